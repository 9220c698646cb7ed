// Package errors defines the gateway error taxonomy and its mapping onto
// JSON-RPC error envelopes.
package errors

import (
	"errors"
	"net/http"
)

// JSON-RPC error codes used in gateway envelopes.
const (
	CodeServerError    = -32000
	CodeUnauthorized   = -32001
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Client errors.
var (
	ErrAuthentication    = errors.New("authentication required")
	ErrInsufficientScope = errors.New("insufficient scope")
	ErrNotFound          = errors.New("server not found")
	ErrBadRequest        = errors.New("bad request")
	ErrMethodNotAllowed  = errors.New("method not allowed")
)

// Credential and catalog errors. These are recovered per app by the
// server builder and never reach the client directly.
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrUnknownApp         = errors.New("unknown app")
	ErrClaimFailed        = errors.New("token claim failed")
	ErrRefreshFailed      = errors.New("token refresh failed")
	ErrDecrypt            = errors.New("credential decryption failed")
)

// Error is an error carrying the HTTP status and JSON-RPC code it should
// be reported with.
type Error struct {
	Status  int
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewOAuthError builds an error for a failure declared by an OAuth2
// authority (introspection endpoint or provider). Its status and message
// are passed through to the caller unchanged.
func NewOAuthError(status int, message string) *Error {
	if status < 400 || status > 599 {
		status = http.StatusUnauthorized
	}

	return &Error{Status: status, Code: CodeUnauthorized, Message: message}
}

// Authentication returns the envelope error for a missing or unusable credential.
func Authentication(err error) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: "Unauthorized", Err: err}
}

// Classify maps any error to the *Error it should be reported as.
// Errors that are not part of the taxonomy become internal errors with a
// generic message so no detail leaks to the client.
func Classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, ErrMethodNotAllowed):
		return &Error{Status: http.StatusMethodNotAllowed, Code: CodeServerError, Message: "Method not allowed.", Err: err}
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrInsufficientScope):
		return Authentication(err)
	case errors.Is(err, ErrNotFound):
		return &Error{Status: http.StatusNotFound, Code: CodeMethodNotFound, Message: "Server not found", Err: err}
	case errors.Is(err, ErrClaimFailed):
		return &Error{Status: http.StatusBadGateway, Code: CodeServerError, Message: "Token exchange with provider failed", Err: err}
	case errors.Is(err, ErrBadRequest):
		return &Error{Status: http.StatusBadRequest, Code: CodeInvalidParams, Message: "Bad request", Err: err}
	default:
		return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "Internal server error", Err: err}
	}
}
