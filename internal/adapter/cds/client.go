// Package cds is a client for a Climate Data Store style retrieve API: submit
// a request describing one slice, poll until the result is staged, download
// the GRIB.
package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/geohumdata/precip-anomaly-etl/internal/config"
	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
)

// leadtimeMonths is how far ahead each forecast issue reaches. SEAS5 serves
// six months including the issue month.
const leadtimeMonths = 6

// Client implements pipeline.SourceClient against a CDS retrieve API.
type Client struct {
	baseURL      string
	key          string
	dataset      string
	variable     string
	minYear      int
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker
	logger       *slog.Logger
	pollInterval time.Duration
	stageTimeout time.Duration
}

// NewClient creates a CDS client from service configuration.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "cds",
		// Trip after 5 consecutive failures; one probe request after 60s.
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		Timeout: 60 * time.Second,
	})
	return &Client{
		baseURL:      cfg.CDSURL,
		key:          cfg.CDSKey,
		dataset:      cfg.CDSDataset,
		variable:     cfg.Variable,
		minYear:      cfg.MinYear,
		httpClient:   &http.Client{Timeout: cfg.CDSTimeout},
		breaker:      breaker,
		logger:       logger,
		pollInterval: 5 * time.Second,
		stageTimeout: cfg.CDSTimeout,
	}
}

// ListAvailable returns the catalog of slices the store currently offers: one
// per issue month from the configured minimum year through the current month.
// The store issues forecasts monthly and keeps the full archive, so the offer
// is derived from the calendar once the dataset endpoint confirms the service
// is reachable and the credentials are accepted.
func (c *Client) ListAvailable(ctx context.Context) (domain.Catalog, error) {
	if err := c.probe(ctx); err != nil {
		return domain.Catalog{}, err
	}

	now := domain.CurrentPeriod()
	catalog := domain.NewCatalog()
	for p := domain.NewPeriod(c.minYear, 1); !now.Before(p); p = p.AddMonths(1) {
		catalog.Add(domain.Slice{Dataset: c.dataset, Period: p, Variable: c.variable})
	}
	return catalog, nil
}

// Fetch downloads one slice's GRIB into destDir and returns its path.
func (c *Client) Fetch(ctx context.Context, slice domain.Slice, destDir string) (string, error) {
	loc, err := c.submitRetrieve(ctx, slice)
	if err != nil {
		return "", err
	}

	destPath := filepath.Join(destDir, fmt.Sprintf("%s_%s.grib", slice.Variable, slice.Period))
	if err := c.download(ctx, loc, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// probe checks service reachability and credentials against the dataset
// endpoint without retrieving data.
func (c *Client) probe(ctx context.Context) error {
	url := fmt.Sprintf("%s/resources/%s", c.baseURL, c.dataset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classifyStatus(resp)
}

// retrieveRequest is the CDS request body for one slice. All six lead times
// travel in one request, matching how the store stages results.
type retrieveRequest struct {
	OriginatingCentre string   `json:"originating_centre"`
	System            string   `json:"system"`
	Variable          []string `json:"variable"`
	ProductType       []string `json:"product_type"`
	Year              string   `json:"year"`
	Month             []string `json:"month"`
	LeadtimeMonth     []string `json:"leadtime_month"`
	DataFormat        string   `json:"data_format"`
}

// retrieveState is the store's reply while a request is queued or staged.
type retrieveState struct {
	State    string `json:"state"` // "queued", "running", "completed", "failed"
	Location string `json:"location"`
	Message  string `json:"error,omitempty"`
	Reply    struct {
		RequestID string `json:"request_id"`
	} `json:"request"`
}

// submitRetrieve posts the retrieve request and polls until the store has
// staged the result, returning its download location.
func (c *Client) submitRetrieve(ctx context.Context, slice domain.Slice) (string, error) {
	leadtimes := make([]string, leadtimeMonths)
	for i := range leadtimes {
		leadtimes[i] = strconv.Itoa(i + 1)
	}
	body, err := json.Marshal(retrieveRequest{
		OriginatingCentre: "ecmwf",
		System:            "51",
		Variable:          []string{slice.Variable},
		ProductType:       []string{"ensemble_mean"},
		Year:              strconv.Itoa(slice.Period.Year),
		Month:             []string{strconv.Itoa(int(slice.Period.Month))},
		LeadtimeMonth:     leadtimes,
		DataFormat:        "grib",
	})
	if err != nil {
		return "", fmt.Errorf("marshal retrieve request: %w", err)
	}

	// Bound the staging wait so a stuck queue fails this slice instead of
	// stalling the run.
	deadline := time.Now().Add(c.stageTimeout)

	url := fmt.Sprintf("%s/resources/%s", c.baseURL, slice.Dataset)
	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("retrieve %s not staged after %s: %w", slice, c.stageTimeout, domain.ErrTimeout)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("create retrieve request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.do(req)
		if err != nil {
			return "", err
		}
		state, err := decodeState(resp)
		if err != nil {
			return "", err
		}

		switch state.State {
		case "completed":
			return state.Location, nil
		case "failed":
			return "", fmt.Errorf("retrieve %s: %s: %w", slice, state.Message, domain.ErrSourceUnavailable)
		default:
			c.logger.Debug("retrieve queued", "slice", slice, "state", state.State, "request_id", state.Reply.RequestID)
			if !sleepWithContext(ctx, c.pollInterval) {
				return "", classifyTransport(ctx.Err())
			}
		}
	}
}

// download streams the staged result to destPath, removing any partial file
// on failure.
func (c *Client) download(ctx context.Context, location, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create grib file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("download grib: %w", classifyTransport(err))
	}
	return out.Close()
}

// do executes a request through the circuit breaker with auth applied.
// Breaker-open and transport failures surface as source-unavailable.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.key)

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		// Count server-side errors against the breaker, but hand the
		// response back for status classification.
		if resp.StatusCode >= 500 {
			return resp, fmt.Errorf("status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if result != nil {
		return result.(*http.Response), nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("circuit open: %w", domain.ErrSourceUnavailable)
	}
	return nil, classifyTransport(err)
}

// decodeState classifies the HTTP status and parses the retrieve state body.
func decodeState(resp *http.Response) (retrieveState, error) {
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return retrieveState{}, err
	}
	var state retrieveState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return retrieveState{}, fmt.Errorf("decode retrieve state: %w", err)
	}
	return state, nil
}

// classifyStatus maps HTTP statuses onto the domain error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrAuthFailed)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrSliceNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrSourceUnavailable)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, body, domain.ErrSourceUnavailable)
	}
}

// classifyTransport maps transport-level failures onto the taxonomy.
func classifyTransport(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", err, domain.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return err
	default:
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%v: %w", err, domain.ErrTimeout)
		}
		return fmt.Errorf("%v: %w", err, domain.ErrSourceUnavailable)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
