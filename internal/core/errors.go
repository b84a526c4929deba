package core

import "errors"

var (
	ErrAdmissionDenied = errors.New("admission denied")
	ErrNotFound        = errors.New("resource not found")
	ErrEngine          = errors.New("media engine failure")
	ErrUnauthorized    = errors.New("not authorized")
	ErrBadRequest      = errors.New("bad request")
	ErrWorkerDied      = errors.New("media worker died")
	ErrRateLimited     = errors.New("too many requests")
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAdmissionDenied):
		return "admission_denied"
	case errors.Is(err, ErrNotFound):
		return "resource_not_found"
	case errors.Is(err, ErrEngine):
		return "engine_failure"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
