package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// Sentinel errors shared by the gateway components. Callers test with Is.
var (
	ErrUnsupportedProtocol = stderrors.New("unsupported subprotocol")
	ErrDenied              = stderrors.New("identity denied")
	ErrNotImplemented      = stderrors.New("action not implemented")
	ErrTimedOut            = stderrors.New("call timed out")
	ErrConnectionClosed    = stderrors.New("connection closed")
	ErrNotFound            = stderrors.New("station not connected")
	ErrBusy                = stderrors.New("connection busy")
)

// Error codes for operator API responses
const (
	CodeNotFound         = "STATION_NOT_CONNECTED"
	CodeTimeout          = "TIMEOUT"
	CodeConnectionClosed = "CONNECTION_CLOSED"
	CodeStationError     = "STATION_ERROR"
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeInternal         = "INTERNAL_ERROR"
)

// HandlerError lets a command handler choose the CallError code sent back to
// the station. Any other handler error is reported as InternalError.
type HandlerError struct {
	Code        string
	Description string
	Details     json.RawMessage
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewHandlerError builds a HandlerError without details.
func NewHandlerError(code, description string) *HandlerError {
	return &HandlerError{Code: code, Description: description}
}

// CallError is returned from an outbound call when the station answered with
// a CallError frame.
type CallError struct {
	Code        string
	Description string
	Details     json.RawMessage
}

func (e *CallError) Error() string {
	if e.Description == "" {
		return "station error: " + e.Code
	}
	return fmt.Sprintf("station error: %s: %s", e.Code, e.Description)
}

// Response is the JSON body of an operator API error.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Format creates a standardized error response body
func Format(code, message string) []byte {
	body, _ := json.Marshal(Response{Code: code, Message: message})
	return body
}

// New, Is and As forward to the standard library so callers need a single import.
func New(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }
