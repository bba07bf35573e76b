package domain

import (
	"context"
	"errors"
)

// Sentinel errors for the failure modes of the external collaborators.
// Adapters wrap these with %w so callers can classify with errors.Is.
var (
	// ErrSourceUnavailable marks the climate data store (or another upstream
	// service) as unreachable or erroring at the service level.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSliceNotFound marks a slice the remote catalog advertised but could
	// not serve when fetched.
	ErrSliceNotFound = errors.New("slice not found")

	// ErrConversionFailed marks a GRIB to raster conversion failure.
	ErrConversionFailed = errors.New("conversion failed")

	// ErrGeometryInvalid marks missing or unreadable boundary geometry.
	ErrGeometryInvalid = errors.New("invalid geometry")

	// ErrPublishRejected marks an upload the portal refused, e.g. a schema
	// mismatch.
	ErrPublishRejected = errors.New("publish rejected")

	// ErrAuthFailed marks rejected credentials on either remote service.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTimeout marks a remote call that exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)

// FailureReason maps an error to its taxonomy label for metrics and run
// summaries. Unrecognized errors report as "internal".
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrSliceNotFound):
		return "slice_not_found"
	case errors.Is(err, ErrConversionFailed):
		return "conversion_failed"
	case errors.Is(err, ErrGeometryInvalid):
		return "invalid_geometry"
	case errors.Is(err, ErrPublishRejected):
		return "publish_rejected"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}
