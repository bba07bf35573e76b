package domain

import "time"

// Outcome is the final status of one slice's processing.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// ProcessingResult records one slice's outcome. It is created when the slice
// finishes processing and never mutated afterward. Success is not persisted
// here; it is implicit in portal catalog membership after upload.
type ProcessingResult struct {
	Slice    Slice         `json:"slice"`
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration_ns"`
}

// Succeeded builds a success result.
func Succeeded(s Slice, d time.Duration) ProcessingResult {
	return ProcessingResult{Slice: s, Outcome: OutcomeSucceeded, Duration: d}
}

// Failed builds a failure result, classifying err into a reason label.
func Failed(s Slice, err error, d time.Duration) ProcessingResult {
	return ProcessingResult{
		Slice:    s,
		Outcome:  OutcomeFailed,
		Reason:   FailureReason(err),
		Err:      err,
		Duration: d,
	}
}

// RunSummary aggregates one reconciliation run.
type RunSummary struct {
	Started    time.Time          `json:"started"`
	Finished   time.Time          `json:"finished"`
	Remote     int                `json:"remote_slices"`
	Published  int                `json:"published_slices"`
	Considered int                `json:"considered"`
	Succeeded  int                `json:"succeeded"`
	Failed     int                `json:"failed"`
	Results    []ProcessingResult `json:"results,omitempty"`
}

// Record appends a result and updates the counters.
func (r *RunSummary) Record(res ProcessingResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeFailed:
		r.Failed++
	}
}

// Failures returns only the failed results.
func (r *RunSummary) Failures() []ProcessingResult {
	var out []ProcessingResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// SucceededSlices returns the slices that completed, in result order.
func (r *RunSummary) SucceededSlices() []Slice {
	var out []Slice
	for _, res := range r.Results {
		if res.Outcome == OutcomeSucceeded {
			out = append(out, res.Slice)
		}
	}
	return out
}
