package tataru

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnknownEngine is returned when no engine is registered under a name
	ErrUnknownEngine = errors.New("unknown translation engine")

	// ErrDisabled is returned by a batcher that is switched off by configuration
	ErrDisabled = errors.New("batching disabled")

	// ErrShuttingDown is returned to requests still queued when a batcher closes
	ErrShuttingDown = errors.New("application shutting down")

	// ErrEmptyResult is returned when an engine answers with no text
	ErrEmptyResult = errors.New("empty translation result")
)

// transientCodes are the upstream failures worth retrying or falling back from
var transientCodes = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.ResourceExhausted: true,
	codes.DeadlineExceeded:  true,
	codes.Aborted:           true,
}

// HTTPError converts a failed HTTP response from a translation API into a status error.
// 429 maps to ResourceExhausted and 5xx to Unavailable so the retry and fallback
// layers treat them as transient.
func HTTPError(statusCode int, engine string, body string) error {
	var code codes.Code
	switch {
	case statusCode == http.StatusTooManyRequests:
		code = codes.ResourceExhausted
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		code = codes.DeadlineExceeded
	case statusCode >= 500:
		code = codes.Unavailable
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		code = codes.PermissionDenied
	case statusCode >= 400:
		code = codes.InvalidArgument
	default:
		code = codes.Unknown
	}
	return status.Errorf(code, "%s: http %d: %s", engine, statusCode, body)
}

// IsTransient reports whether err is a timeout, rate limit or server-side failure
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return transientCodes[st.Code()]
}

// Message renders an error the way it is shown in place of a translation
func Message(err error) string {
	if err == nil {
		return ""
	}
	if st, ok := status.FromError(err); ok {
		return fmt.Sprintf("Error: %s", st.Message())
	}
	return fmt.Sprintf("Error: %s", err.Error())
}
