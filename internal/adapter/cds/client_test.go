package cds

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geohumdata/precip-anomaly-etl/internal/domain"
)

func testClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		key:        "test-key",
		dataset:    "seasonal-postprocessed-single-levels",
		variable:   "total_precipitation_anomalous_rate_of_accumulation",
		minYear:    2025,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "cds-test",
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		pollInterval: 5 * time.Millisecond,
		stageTimeout: time.Second,
	}
}

func frozenMarch2025(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func TestListAvailable_EnumeratesMinYearThroughCurrentMonth(t *testing.T) {
	frozenMarch2025(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resources/seasonal-postprocessed-single-levels", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	catalog, err := testClient(srv.URL).ListAvailable(context.Background())
	require.NoError(t, err)

	// Jan, Feb, Mar of 2025.
	assert.Equal(t, 3, catalog.Len())
	slices := catalog.Slices()
	assert.Equal(t, "2025-01", slices[0].Period.String())
	assert.Equal(t, "2025-03", slices[2].Period.String())
}

func TestListAvailable_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ListAvailable(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthFailed)
}

func TestListAvailable_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ListAvailable(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestFetch_DownloadsStagedResult(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /resources/seasonal-postprocessed-single-levels", func(w http.ResponseWriter, r *http.Request) {
		// First poll queued, then completed, exercising the polling loop.
		polls++
		if polls == 1 {
			_, _ = w.Write([]byte(`{"state":"queued","request":{"request_id":"req-1"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"state":"completed","location":"` + srv.URL + `/download/req-1"}`))
	})
	mux.HandleFunc("GET /download/req-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("GRIBDATA"))
	})

	slice := domain.Slice{
		Dataset:  "seasonal-postprocessed-single-levels",
		Period:   domain.NewPeriod(2025, time.February),
		Variable: "total_precipitation_anomalous_rate_of_accumulation",
	}
	dest := t.TempDir()

	path, err := testClient(srv.URL).Fetch(context.Background(), slice, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, polls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "GRIBDATA", string(data))
	assert.Contains(t, path, "total_precipitation_anomalous_rate_of_accumulation_2025-02.grib")
}

func TestFetch_SliceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	slice := domain.Slice{Dataset: "seasonal-postprocessed-single-levels", Period: domain.NewPeriod(2025, time.March)}
	_, err := testClient(srv.URL).Fetch(context.Background(), slice, t.TempDir())
	assert.ErrorIs(t, err, domain.ErrSliceNotFound)
}

func TestFetch_RetrieveFailureState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"failed","error":"no data for request"}`))
	}))
	defer srv.Close()

	slice := domain.Slice{Dataset: "seasonal-postprocessed-single-levels", Period: domain.NewPeriod(2025, time.March)}
	_, err := testClient(srv.URL).Fetch(context.Background(), slice, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "no data for request")
}

func TestFetch_StagingTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"queued"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.stageTimeout = 20 * time.Millisecond

	slice := domain.Slice{Dataset: "seasonal-postprocessed-single-levels", Period: domain.NewPeriod(2025, time.March)}
	_, err := c.Fetch(context.Background(), slice, t.TempDir())
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestDo_BreakerOpensAfterConsecutiveServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	for range 5 {
		_, err := c.ListAvailable(context.Background())
		assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	}

	// Breaker is now open: the next call fails without reaching the server.
	srv.Close()
	_, err := c.ListAvailable(context.Background())
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
}
