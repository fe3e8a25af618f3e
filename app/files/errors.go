package files

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when no bot token is set up.
var ErrNotConfigured = errors.New("telegram bot token is not configured")

// ValidationError describes a malformed request parameter.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Message)
}

// UpstreamError wraps a failed Telegram call.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindUpstream      ErrorKind = "upstream"
	ErrorKindInternal      ErrorKind = "internal"
)

// KindOf classifies an error returned by Service.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	var validationErr *ValidationError
	var upstreamErr *UpstreamError

	switch {
	case errors.Is(err, ErrNotConfigured):
		return ErrorKindConfiguration
	case errors.As(err, &validationErr):
		return ErrorKindValidation
	case errors.As(err, &upstreamErr):
		return ErrorKindUpstream
	default:
		return ErrorKindInternal
	}
}
