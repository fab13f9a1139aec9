// internal/driver/session_mock_test.go
package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-driver/internal/mocks"
	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// newMockSession opens a session over a mock whose window tree is a single
// window "w1" with one iframe "f1".
func newMockSession(t *testing.T, opts Options) (*Session, *mocks.MockTransport) {
	t.Helper()
	tr := new(mocks.MockTransport)
	tr.On("Execute", mock.Anything, "", wire.CmdSetTimeouts, mock.Anything).Return(nil, nil).Once()
	tr.On("Execute", mock.Anything, "", wire.CmdGetTree, wire.TreeParams{}).Return(wire.TreeResult{
		Contexts: []wire.ContextInfo{{
			Context:  "w1",
			Kind:     wire.KindWindow,
			URL:      "http://test/",
			Document: "d1",
			Children: []wire.ContextInfo{{Context: "f1", Kind: wire.KindIframe, Name: "inner", Document: "d2"}},
		}},
	}, nil).Once()

	s, err := New(context.Background(), tr, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, tr
}

func TestNewSession(t *testing.T) {
	t.Run("should pick the first window and push timeouts", func(t *testing.T) {
		opts := DefaultOptions()
		opts.ImplicitWait = 1500 * time.Millisecond
		s, tr := newMockSession(t, opts)

		assert.Equal(t, ContextID("w1"), s.CurrentID())
		assert.NotEmpty(t, s.ID())
		tr.AssertCalled(t, "Execute", mock.Anything, "", wire.CmdSetTimeouts, wire.Timeouts{Implicit: 1500, PageLoad: 300000, Script: 30000})
	})

	t.Run("should fail without windows", func(t *testing.T) {
		tr := new(mocks.MockTransport)
		tr.On("Execute", mock.Anything, "", wire.CmdSetTimeouts, mock.Anything).Return(nil, nil)
		tr.On("Execute", mock.Anything, "", wire.CmdGetTree, mock.Anything).Return(wire.TreeResult{}, nil)

		_, err := New(context.Background(), tr, DefaultOptions(), nil)
		assert.True(t, IsKind(err, NoSuchWindow), "got %v", err)
	})

	t.Run("should surface transport failures", func(t *testing.T) {
		tr := new(mocks.MockTransport)
		tr.On("Execute", mock.Anything, "", wire.CmdSetTimeouts, mock.Anything).Return(nil, errors.New("connection refused"))

		_, err := New(context.Background(), tr, DefaultOptions(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestSessionErrorMapping(t *testing.T) {
	codes := map[wire.ErrorCode]ErrorKind{
		wire.CodeNoSuchWindow:          NoSuchWindow,
		wire.CodeStaleElementReference: StaleElementReference,
		wire.CodeNoSuchElement:         NotFound,
		wire.CodeTimeout:               Timeout,
		wire.CodeUnknownError:          Unknown,
	}
	for code, kind := range codes {
		t.Run(string(code), func(t *testing.T) {
			s, tr := newMockSession(t, DefaultOptions())
			tr.On("Execute", mock.Anything, "w1", wire.CmdGetTitle, nil).Return(nil, wire.Errorf(code, "x"))

			_, err := s.Title(context.Background())
			assert.Equal(t, kind, KindOf(err))
		})
	}

	t.Run("no such window destroys the context", func(t *testing.T) {
		s, tr := newMockSession(t, DefaultOptions())
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetTitle, nil).Return(nil, wire.Errorf(wire.CodeNoSuchWindow, "gone")).Once()

		_, err := s.Title(context.Background())
		require.True(t, IsKind(err, NoSuchWindow))

		// -- later calls fail locally, without reaching the transport --
		_, err = s.CurrentURL(context.Background())
		assert.True(t, IsKind(err, NoSuchWindow))
		tr.AssertNotCalled(t, "Execute", mock.Anything, "w1", wire.CmdGetURL, mock.Anything)
	})
}

func TestSessionCancellation(t *testing.T) {
	t.Run("should map a caller deadline to Timeout", func(t *testing.T) {
		s, tr := newMockSession(t, DefaultOptions())
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetTitle, nil).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.Canceled)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := s.Title(ctx)
		assert.True(t, IsKind(err, Timeout), "got %v", err)
	})

	t.Run("should map a concurrent quit to SessionEnded", func(t *testing.T) {
		s, tr := newMockSession(t, DefaultOptions())
		started := make(chan struct{})
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetTitle, nil).
			Run(func(args mock.Arguments) {
				close(started)
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.Canceled)
		tr.On("Execute", mock.Anything, "", wire.CmdQuit, nil).Return(nil, nil)
		tr.On("Close", mock.Anything).Return(nil)

		go func() {
			<-started
			_ = s.Quit(context.Background())
		}()

		_, err := s.Title(context.Background())
		assert.True(t, IsKind(err, SessionEnded), "got %v", err)

		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("Done was not closed by Quit")
		}
	})
}

func TestSessionQuit(t *testing.T) {
	t.Run("should aggregate teardown errors", func(t *testing.T) {
		s, tr := newMockSession(t, DefaultOptions())
		tr.On("Execute", mock.Anything, "", wire.CmdQuit, nil).Return(nil, errors.New("quit failed")).Once()
		tr.On("Close", mock.Anything).Return(errors.New("close failed")).Once()

		err := s.Quit(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quit failed")
		assert.Contains(t, err.Error(), "close failed")

		// -- second call is a no-op returning the same result --
		assert.Equal(t, err, s.Quit(context.Background()))
		tr.AssertNumberOfCalls(t, "Close", 1)
	})

	t.Run("should fail later commands with SessionEnded", func(t *testing.T) {
		s, tr := newMockSession(t, DefaultOptions())
		tr.On("Execute", mock.Anything, "", wire.CmdQuit, nil).Return(nil, nil)
		tr.On("Close", mock.Anything).Return(nil)
		require.NoError(t, s.Quit(context.Background()))

		_, err := s.Title(context.Background())
		assert.True(t, IsKind(err, SessionEnded))
		_, err = s.FindElements(context.Background(), ByID("x"))
		assert.True(t, IsKind(err, SessionEnded))
		_, err = s.Alert(context.Background())
		assert.True(t, IsKind(err, SessionEnded))
		assert.True(t, IsKind(s.SwitchToParentFrame(context.Background()), SessionEnded))
	})
}

func TestUnhandledAlertRetry(t *testing.T) {
	t.Run("should dismiss and retry once", func(t *testing.T) {
		opts := DefaultOptions()
		opts.UnhandledAlertBehavior = AlertDismiss

		core, logs := observer.New(zapcore.WarnLevel)
		tr := new(mocks.MockTransport)
		tr.On("Execute", mock.Anything, "", wire.CmdSetTimeouts, mock.Anything).Return(nil, nil)
		tr.On("Execute", mock.Anything, "", wire.CmdGetTree, mock.Anything).Return(wire.TreeResult{
			Contexts: []wire.ContextInfo{{Context: "w1", Kind: wire.KindWindow, Document: "d1"}},
		}, nil)
		s, err := New(context.Background(), tr, opts, zap.New(core))
		require.NoError(t, err)

		tr.On("Execute", mock.Anything, "w1", wire.CmdGetTitle, nil).Return(nil, wire.AlertOpen("leave?")).Once()
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetAlert, nil).Return(wire.AlertInfo{Text: "leave?", Type: wire.PromptBeforeUnload}, nil).Once()
		tr.On("Execute", mock.Anything, "w1", wire.CmdDismissAlert, nil).Return(nil, nil).Once()
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetTitle, nil).Return(wire.StringValue{Value: "Home"}, nil).Once()

		title, err := s.Title(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Home", title)
		tr.AssertExpectations(t)

		require.Equal(t, 1, logs.FilterMessage("Resolving unexpected alert.").Len())
		entry := logs.All()[0]
		assert.Equal(t, "leave?", entry.ContextMap()["alert_text"])
	})
}

func TestIgnoredAlertIsConfirmed(t *testing.T) {
	observe := func(t *testing.T) (*Session, *mocks.MockTransport) {
		t.Helper()
		s, tr := newMockSession(t, DefaultOptions())
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetTitle, nil).Return(nil, wire.AlertOpen("sure?")).Once()
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetAlert, nil).Return(wire.AlertInfo{Text: "sure?", Type: wire.PromptConfirm}, nil).Once()
		_, err := s.Title(context.Background())
		require.True(t, IsKind(err, UnexpectedAlertOpen), "got %v", err)
		return s, tr
	}

	t.Run("should refuse while the dialog is open", func(t *testing.T) {
		s, tr := observe(t)
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetAlert, nil).Return(wire.AlertInfo{Text: "sure?", Type: wire.PromptConfirm}, nil).Once()

		_, err := s.Title(context.Background())
		require.True(t, IsKind(err, UnexpectedAlertOpen), "got %v", err)
		assert.Equal(t, "sure?", err.(*Error).AlertText)
		tr.AssertExpectations(t)
		tr.AssertNumberOfCalls(t, "Execute", 5)
	})

	t.Run("should let commands through once the dialog is gone", func(t *testing.T) {
		s, tr := observe(t)
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetAlert, nil).Return(nil, wire.Errorf(wire.CodeNoSuchAlert, "no user prompt is open")).Once()
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetTitle, nil).Return(wire.StringValue{Value: "Back"}, nil).Once()

		title, err := s.Title(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Back", title)
		assert.Nil(t, s.alert)
		tr.AssertExpectations(t)
	})

	t.Run("should keep the alert when the check itself fails", func(t *testing.T) {
		s, tr := observe(t)
		tr.On("Execute", mock.Anything, "w1", wire.CmdGetAlert, nil).Return(nil, errors.New("connection reset")).Once()

		_, err := s.Title(context.Background())
		require.True(t, IsKind(err, UnexpectedAlertOpen), "got %v", err)
		require.NotNil(t, s.alert)
		tr.AssertExpectations(t)
	})
}

func TestParseUnhandledAlertBehavior(t *testing.T) {
	for in, want := range map[string]UnhandledAlertBehavior{
		"accept": AlertAccept, " Dismiss ": AlertDismiss, "IGNORE": AlertIgnore, "": AlertIgnore,
	} {
		got, err := ParseUnhandledAlertBehavior(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseUnhandledAlertBehavior("maybe")
	assert.Error(t, err)
}
