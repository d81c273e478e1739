package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code      int            // HTTP status code or custom error code
	Message   string         // User-facing message
	Err       error          // Underlying error (optional)
	Retryable bool           // Caller may retry the same request later
	Meta      map[string]any // Extra context rendered to clients (current price, retry hints)
}

const (
	ErrInvalidToken       = 1001
	ErrSessionNotFound    = 1002
	ErrBidTooLow          = 1003
	ErrSessionNotLive     = 1004
	ErrWebSocketUpgrade   = 1005
	ErrBadMessageFormat   = 1006
	ErrUnknownMessageType = 1007
	ErrRateLimited        = 1008
	ErrConflict           = 1009
	ErrInvalidTransition  = 1010
	ErrInvalidArgument    = 1011
	ErrStoreUnavailable   = 1012
	ErrForbidden          = 1013

	ErrInternalServer = 500
)

var reasons = map[int]string{
	ErrInvalidToken:       "UNAUTHORIZED",
	ErrSessionNotFound:    "NOT_FOUND",
	ErrBidTooLow:          "BID_TOO_LOW",
	ErrSessionNotLive:     "SESSION_NOT_LIVE",
	ErrBadMessageFormat:   "BAD_MESSAGE",
	ErrUnknownMessageType: "UNKNOWN_MESSAGE",
	ErrRateLimited:        "RATE_LIMITED",
	ErrConflict:           "CONFLICT",
	ErrInvalidTransition:  "INVALID_TRANSITION",
	ErrInvalidArgument:    "INVALID_ARGUMENT",
	ErrStoreUnavailable:   "STORE_UNAVAILABLE",
	ErrForbidden:          "FORBIDDEN",
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches another AppError carrying the same non-zero code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code != 0 && t.Code == e.Code
}

// WithMeta attaches a client-visible detail and returns the same error.
func (e *AppError) WithMeta(key string, value any) *AppError {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

func (e *AppError) ToJSON() string {
	frame := struct {
		Type    string         `json:"type"`
		Code    int            `json:"code"`
		Reason  string         `json:"reason,omitempty"`
		Message string         `json:"message"`
		Meta    map[string]any `json:"details,omitempty"`
	}{"error", e.Code, Reason(e.Code), e.Message, e.Meta}

	raw, err := json.Marshal(frame)
	if err != nil {
		return `{"type":"error","code":500,"message":"Internal server error"}`
	}
	return string(raw)
}

// Wrapping utility. The code of a wrapped AppError is preserved.
func Wrap(err error, message string) *AppError {
	wrapped := &AppError{Message: message, Err: err}
	var inner *AppError
	if stderrors.As(err, &inner) {
		wrapped.Code = inner.Code
		wrapped.Retryable = inner.Retryable
		wrapped.Meta = inner.Meta
	}
	return wrapped
}

// Error creation utility
func New(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Retryable builds an error the caller is expected to retry.
func Retryable(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err, Retryable: true}
}

// CodeOf returns the code of the first AppError in the chain, or ErrInternalServer.
func CodeOf(err error) int {
	var app *AppError
	if stderrors.As(err, &app) && app.Code != 0 {
		return app.Code
	}
	return ErrInternalServer
}

func HasCode(err error, code int) bool {
	return err != nil && CodeOf(err) == code
}

func IsRetryable(err error) bool {
	var app *AppError
	return stderrors.As(err, &app) && app.Retryable
}

// As converts any error into an AppError, defaulting to an internal error.
func As(err error) *AppError {
	var app *AppError
	if stderrors.As(err, &app) {
		return app
	}
	return &AppError{Code: ErrInternalServer, Message: "Internal server error", Err: err}
}

// Reason is the stable machine-readable name of a code, used in bid_rejected events.
func Reason(code int) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "INTERNAL"
}
