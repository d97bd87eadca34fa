package greensens

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorType classifies errors raised by the client and the payload decoders.
type ErrorType string

const (
	ErrorTypeAuth           ErrorType = "authentication"
	ErrorTypeHTTP           ErrorType = "http"
	ErrorTypeMissingField   ErrorType = "missing_field"
	ErrorTypeTypeConversion ErrorType = "type_conversion"
)

// Error is the structured error used across the package.
type Error struct {
	Type       ErrorType
	Message    string
	Field      string
	StatusCode int
	URL        string
	Details    any
	err        error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewAuthError records a login rejected by the server. The message is the
// server-reported errors payload, verbatim when it is a string.
func NewAuthError(details any) *Error {
	return &Error{
		Type:    ErrorTypeAuth,
		Message: formatDetails(details),
		Details: details,
	}
}

// NewHTTPError records a non-200 response.
func NewHTTPError(status int, url string) *Error {
	return &Error{
		Type:       ErrorTypeHTTP,
		Message:    fmt.Sprintf("HTTP error: %d for %s", status, url),
		StatusCode: status,
		URL:        url,
	}
}

func NewMissingFieldError(field string) *Error {
	return &Error{
		Type:    ErrorTypeMissingField,
		Message: fmt.Sprintf("missing field %q", field),
		Field:   field,
	}
}

func NewTypeConversionError(field string, value any, err error) *Error {
	return &Error{
		Type:    ErrorTypeTypeConversion,
		Message: fmt.Sprintf("cannot convert field %q (value %v)", field, value),
		Field:   field,
		Details: value,
		err:     err,
	}
}

func IsAuth(err error) bool           { return isType(err, ErrorTypeAuth) }
func IsHTTP(err error) bool           { return isType(err, ErrorTypeHTTP) }
func IsMissingField(err error) bool   { return isType(err, ErrorTypeMissingField) }
func IsTypeConversion(err error) bool { return isType(err, ErrorTypeTypeConversion) }

func isType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

func formatDetails(details any) string {
	switch d := details.(type) {
	case nil:
		return "authentication failed"
	case string:
		return d
	}
	b, err := json.Marshal(details)
	if err != nil {
		return fmt.Sprint(details)
	}
	return string(b)
}
