// Package errclass normalizes raw operation failures into a closed taxonomy.
//
// Every failure that leaves the retry executor or the instrumentation wrapper
// is an *Error with one of three kinds: network, validation, or API.
package errclass

import (
	"errors"
	"strings"
)

// Kind is the closed set of failure categories.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindValidation
	KindAPI
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindAPI:
		return "api"
	default:
		return "unknown"
	}
}

// Stable machine codes.
const (
	CodeNetwork      = "NETWORK_ERROR"
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeRateLimit    = "RATE_LIMIT"
	CodeServerError  = "SERVER_ERROR"
	CodeUnknown      = "UNKNOWN_ERROR"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// Fields holds field-level messages for validation failures.
	Fields map[string]string

	// StatusCode and RawResponse are set when the failure carried a response.
	StatusCode  int
	RawResponse string

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return e.Kind.String() + " failure: " + e.Code
	}
	return e.Kind.String() + " failure (" + e.Code + "): " + msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) && classified != nil {
		return classified, true
	}
	return nil, false
}

// IsKind reports whether err classifies as kind. Unclassified errors are
// classified first.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}

// NewNetwork wraps a failure that never produced a response.
func NewNetwork(err error) *Error {
	msg := "network request failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Kind:    KindNetwork,
		Code:    CodeNetwork,
		Message: msg,
		Err:     err,
	}
}

// NewValidation builds a local validation failure. fields may be nil.
func NewValidation(message string, fields map[string]string) *Error {
	var copied map[string]string
	if len(fields) > 0 {
		copied = make(map[string]string, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
	}
	if strings.TrimSpace(message) == "" {
		message = "validation failed"
	}
	return &Error{
		Kind:       KindValidation,
		Code:       CodeValidation,
		Message:    message,
		Fields:     copied,
		StatusCode: 400,
	}
}

// NewAPI builds an API failure with an explicit code.
func NewAPI(code, message string, status int) *Error {
	code = strings.TrimSpace(code)
	if code == "" {
		code = CodeUnknown
	}
	return &Error{
		Kind:       KindAPI,
		Code:       code,
		Message:    message,
		StatusCode: status,
	}
}
