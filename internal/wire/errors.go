// internal/wire/errors.go
package wire

import (
	"errors"
	"fmt"
)

// ErrorCode is a W3C WebDriver error code as carried on the wire.
type ErrorCode string

const (
	CodeNoSuchWindow           ErrorCode = "no such window"
	CodeNoSuchFrame            ErrorCode = "no such frame"
	CodeNoSuchAlert            ErrorCode = "no such alert"
	CodeUnexpectedAlertOpen    ErrorCode = "unexpected alert open"
	CodeStaleElementReference  ErrorCode = "stale element reference"
	CodeNoSuchElement          ErrorCode = "no such element"
	CodeInvalidSelector        ErrorCode = "invalid selector"
	CodeElementNotInteractable ErrorCode = "element not interactable"
	CodeTimeout                ErrorCode = "timeout"
	CodeInvalidSessionID       ErrorCode = "invalid session id"
	CodeInvalidArgument        ErrorCode = "invalid argument"
	CodeUnknownCommand         ErrorCode = "unknown command"
	CodeUnknownError           ErrorCode = "unknown error"
)

// DataAlertText is the Data key under which unexpected alert open errors
// carry the prompt text.
const DataAlertText = "text"

// Error is a structured failure returned by a Transport.
type Error struct {
	Code    ErrorCode
	Message string
	Data    map[string]string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a wire error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AlertOpen builds the error returned when a command is blocked by a prompt.
func AlertOpen(text string) *Error {
	return &Error{
		Code:    CodeUnexpectedAlertOpen,
		Message: fmt.Sprintf("user prompt is open: %q", text),
		Data:    map[string]string{DataAlertText: text},
	}
}

// AsError extracts a wire error from err's chain.
func AsError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}
