package types

import (
	"errors"
	"fmt"
)

const (
	CodeTimeout            = "TIMEOUT"
	CodeUnexpectedRedirect = "UNEXPECTED_REDIRECT"
	CodeProtocol           = "PROTOCOL"
	CodeParse              = "PARSE"
	CodeTokenNotFound      = "TOKEN_NOT_FOUND"
	CodeCDPUnavailable     = "CDP_UNAVAILABLE"
	CodeBusy               = "BUSY"
	CodeValidation         = "VALIDATION"
	CodeNotFound           = "NOT_FOUND"
	CodeInternal           = "INTERNAL"
)

// CodedError is a typed error used for stable result and API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first CodedError in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
