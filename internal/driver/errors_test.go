// internal/driver/errors_test.go
package driver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

func TestFromWire(t *testing.T) {
	codes := map[wire.ErrorCode]ErrorKind{
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
		wire.CodeUnknownCommand:         Unknown,
	}
	for code, kind := range codes {
		t.Run(string(code), func(t *testing.T) {
			err := fromWire("op", "ctx-1", fmt.Errorf("transport: %w", wire.Errorf(code, "boom")))
			assert.Equal(t, kind, err.Kind)
			assert.Equal(t, "op", err.Op)
			assert.Equal(t, ContextID("ctx-1"), err.Context)

			var we *wire.Error
			assert.ErrorAs(t, err, &we, "the wire error stays in the chain")
		})
	}

	t.Run("alert text is lifted from the payload", func(t *testing.T) {
		err := fromWire("getTitle", "w", wire.AlertOpen("Are you sure?"))
		assert.Equal(t, UnexpectedAlertOpen, err.Kind)
		assert.Equal(t, "Are you sure?", err.AlertText)
		assert.Contains(t, err.Error(), `(alert text "Are you sure?")`)
	})

	t.Run("non wire errors are unknown", func(t *testing.T) {
		err := fromWire("op", "", errors.New("socket closed"))
		assert.Equal(t, Unknown, err.Kind)
	})

	t.Run("existing driver errors pass through", func(t *testing.T) {
		orig := &Error{Kind: NotFound, Op: "inner"}
		assert.Same(t, orig, fromWire("outer", "", orig))
	})
}

func TestErrorIs(t *testing.T) {
	loc := ByID("box")
	err := fmt.Errorf("wrapped: %w", &Error{Kind: NotFound, Op: "findElement", Locator: &loc, Context: "w1"})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.True(t, IsKind(err, NotFound))
	assert.False(t, IsKind(nil, Unknown))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))

	msg := err.Error()
	assert.Contains(t, msg, "findElement")
	assert.Contains(t, msg, "no such element")
	assert.Contains(t, msg, "By.id: box")
	assert.Contains(t, msg, "(context w1)")
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "stale element reference", StaleElementReference.String())
	assert.Equal(t, "ErrorKind(99)", ErrorKind(99).String())
}
