package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"source unavailable", ErrSourceUnavailable, "source_unavailable"},
		{"wrapped source unavailable", fmt.Errorf("list: %w", ErrSourceUnavailable), "source_unavailable"},
		{"slice not found", ErrSliceNotFound, "slice_not_found"},
		{"conversion", fmt.Errorf("gdal: %w", ErrConversionFailed), "conversion_failed"},
		{"geometry", ErrGeometryInvalid, "invalid_geometry"},
		{"publish rejected", ErrPublishRejected, "publish_rejected"},
		{"auth", ErrAuthFailed, "auth_failed"},
		{"explicit timeout", ErrTimeout, "timeout"},
		{"deadline exceeded", context.DeadlineExceeded, "timeout"},
		{"deadline wrapped", fmt.Errorf("fetch: %w", context.DeadlineExceeded), "timeout"},
		{"cancelled", context.Canceled, "cancelled"},
		{"unknown", errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FailureReason(tt.err))
		})
	}
}

func TestFailureReason_TimeoutWinsOverSource(t *testing.T) {
	// A timeout wrapped in a source error still reports as timeout so retries
	// and alerting distinguish slow from down.
	err := fmt.Errorf("download: %w: %w", ErrSourceUnavailable, ErrTimeout)
	assert.Equal(t, "timeout", FailureReason(err))
}
