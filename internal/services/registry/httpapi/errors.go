package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrorResponse is the envelope wrapping every error payload.
type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

// ErrorMessage explains a failed request and, when known, how to fix it.
type ErrorMessage struct {
	Reason string `json:"reason"`
	Advice string `json:"advice,omitempty"`
	Cause  error  `json:"-"`
}

func (e ErrorMessage) Error() string {
	lines := []string{e.Reason}
	if e.Advice != "" {
		lines = append(lines, e.Advice)
	}
	if e.Cause != nil {
		lines = append(lines, fmt.Sprintf("caused by: %v", e.Cause))
	}
	return strings.Join(lines, "\n")
}

func (e ErrorMessage) Unwrap() error {
	return e.Cause
}

// ErrorMessageOption adds optional fields to an error message.
type ErrorMessageOption func(*ErrorMessage)

// WithAdvice attaches a hint the caller can act on.
func WithAdvice(advice string) ErrorMessageOption {
	return func(msg *ErrorMessage) {
		if advice != "" {
			msg.Advice = advice
		}
	}
}

// WithCause records the underlying error for logs; it never reaches the body.
func WithCause(err error) ErrorMessageOption {
	return func(msg *ErrorMessage) {
		if err != nil {
			msg.Cause = err
		}
	}
}

func newError(code int, reason string, opts ...ErrorMessageOption) *echo.HTTPError {
	msg := ErrorMessage{Reason: reason}
	for _, opt := range opts {
		opt(&msg)
	}
	return echo.NewHTTPError(code, ErrorResponse{Message: msg}).SetInternal(msg)
}

func badRequest(reason string, err error) *echo.HTTPError {
	return newError(http.StatusBadRequest, reason, WithCause(err))
}

func notFound(reason string, opts ...ErrorMessageOption) *echo.HTTPError {
	return newError(http.StatusNotFound, reason, opts...)
}

func notImplemented(reason string, err error) *echo.HTTPError {
	return newError(http.StatusNotImplemented, reason, WithCause(err))
}

func internalError(err error) *echo.HTTPError {
	return newError(http.StatusInternalServerError, "unexpected error", WithCause(err))
}
