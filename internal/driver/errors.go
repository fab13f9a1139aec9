// internal/driver/errors.go
package driver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// ErrorKind classifies every failure surfaced by a Session.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	NoSuchWindow
	NoSuchFrame
	NotFound
	StaleElementReference
	NoAlertPresent
	UnexpectedAlertOpen
	Timeout
	SessionEnded
	InvalidSelector
	ElementNotInteractable
)

var kindNames = map[ErrorKind]string{
	Unknown:                "unknown error",
	NoSuchWindow:           "no such window",
	NoSuchFrame:            "no such frame",
	NotFound:               "no such element",
	StaleElementReference:  "stale element reference",
	NoAlertPresent:         "no such alert",
	UnexpectedAlertOpen:    "unexpected alert open",
	Timeout:                "timeout",
	SessionEnded:           "session ended",
	InvalidSelector:        "invalid selector",
	ElementNotInteractable: "element not interactable",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the single error type returned across the Session API. It always
// names the failing operation and whatever locator, context or alert text is
// needed to diagnose it.
type Error struct {
	Kind      ErrorKind
	Op        string
	Locator   *Locator
	Context   ContextID
	AlertText string
	// Last holds the last value observed by a poller before it timed out.
	Last any
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("driver: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Locator != nil {
		fmt.Fprintf(&b, " (locator %s)", e.Locator)
	}
	if e.Context != "" {
		fmt.Fprintf(&b, " (context %s)", e.Context)
	}
	if e.Kind == UnexpectedAlertOpen || e.AlertText != "" {
		fmt.Fprintf(&b, " (alert text %q)", e.AlertText)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, driver.ErrNotFound)
// works regardless of the operation or locator attached.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNoSuchWindow           = &Error{Kind: NoSuchWindow}
	ErrNoSuchFrame            = &Error{Kind: NoSuchFrame}
	ErrNotFound               = &Error{Kind: NotFound}
	ErrStaleElementReference  = &Error{Kind: StaleElementReference}
	ErrNoAlertPresent         = &Error{Kind: NoAlertPresent}
	ErrUnexpectedAlertOpen    = &Error{Kind: UnexpectedAlertOpen}
	ErrTimeout                = &Error{Kind: Timeout}
	ErrSessionEnded           = &Error{Kind: SessionEnded}
	ErrInvalidSelector        = &Error{Kind: InvalidSelector}
	ErrElementNotInteractable = &Error{Kind: ElementNotInteractable}
)

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

var codeKinds = map[wire.ErrorCode]ErrorKind{
	wire.CodeNoSuchWindow:           NoSuchWindow,
	wire.CodeNoSuchFrame:            NoSuchFrame,
	wire.CodeNoSuchAlert:            NoAlertPresent,
	wire.CodeUnexpectedAlertOpen:    UnexpectedAlertOpen,
	wire.CodeStaleElementReference:  StaleElementReference,
	wire.CodeNoSuchElement:          NotFound,
	wire.CodeInvalidSelector:        InvalidSelector,
	wire.CodeElementNotInteractable: ElementNotInteractable,
	wire.CodeTimeout:                Timeout,
	wire.CodeInvalidSessionID:       SessionEnded,
}

// fromWire maps a transport error into the taxonomy. This is the only place
// raw wire codes are interpreted.
func fromWire(op string, contextID ContextID, err error) *Error {
	if de, ok := err.(*Error); ok {
		return de
	}
	out := &Error{Kind: Unknown, Op: op, Context: contextID, Err: err}
	if we, ok := wire.AsError(err); ok {
		if kind, known := codeKinds[we.Code]; known {
			out.Kind = kind
		}
		if out.Kind == UnexpectedAlertOpen {
			out.AlertText = we.Data[wire.DataAlertText]
		}
	}
	return out
}

func newError(kind ErrorKind, op string, contextID ContextID, format string, args ...any) *Error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Context: contextID, Err: cause}
}
