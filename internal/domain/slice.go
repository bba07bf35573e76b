package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Period is a forecast issue month in UTC. The zero value is invalid.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod builds a Period from a year and month.
func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// PeriodOf truncates a time to its issue period.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses the canonical "YYYY-MM" form.
func ParsePeriod(s string) (Period, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Period{}, fmt.Errorf("parse period %q: want YYYY-MM", s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil || year < 1900 || year > 9999 {
		return Period{}, fmt.Errorf("parse period %q: bad year", s)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return Period{}, fmt.Errorf("parse period %q: bad month", s)
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// String renders the canonical "YYYY-MM" form, e.g. "2025-03".
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// MarshalJSON renders the canonical "YYYY-MM" form.
func (p Period) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON parses the canonical "YYYY-MM" form.
func (p *Period) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// AddMonths returns the period n months later (n may be negative).
func (p Period) AddMonths(n int) Period {
	t := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return PeriodOf(t)
}

// Days returns the number of days in the period's month.
func (p Period) Days() int {
	first := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, -1).Day()
}

// Before reports whether p precedes q in time.
func (p Period) Before(q Period) bool {
	if p.Year != q.Year {
		return p.Year < q.Year
	}
	return p.Month < q.Month
}

// Slice identifies one addressable unit of source data: one issue period of
// one variable of one dataset. Slices are immutable values compared by Key.
type Slice struct {
	Dataset  string `json:"dataset"`
	Period   Period `json:"period"`
	Variable string `json:"variable"`
}

// Key returns the stable identity used for catalog membership and
// reconciliation.
func (s Slice) Key() string {
	return s.Dataset + "|" + s.Period.String() + "|" + s.Variable
}

// String implements fmt.Stringer for log output.
func (s Slice) String() string {
	return s.Key()
}

// SortSlices orders slices by key in place. Processing order carries no
// semantics, but a deterministic order keeps logs and tests stable.
func SortSlices(slices []Slice) {
	sort.Slice(slices, func(i, j int) bool {
		return slices[i].Key() < slices[j].Key()
	})
}
