// internal/driver/alert.go
package driver

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// AlertKind is the type of native dialog.
type AlertKind int

const (
	AlertDialog AlertKind = iota
	ConfirmDialog
	PromptDialog
	BeforeUnloadDialog
)

func (k AlertKind) String() string {
	switch k {
	case AlertDialog:
		return wire.PromptAlert
	case ConfirmDialog:
		return wire.PromptConfirm
	case PromptDialog:
		return wire.PromptPrompt
	case BeforeUnloadDialog:
		return wire.PromptBeforeUnload
	}
	return "unknown"
}

func alertKindFromWire(t string) AlertKind {
	switch t {
	case wire.PromptConfirm:
		return ConfirmDialog
	case wire.PromptPrompt:
		return PromptDialog
	case wire.PromptBeforeUnload:
		return BeforeUnloadDialog
	}
	return AlertDialog
}

// Alert is a handle to the dialog currently blocking a window.
type Alert struct {
	session      *Session
	window       ContextID
	text         string
	kind         AlertKind
	defaultValue string
}

func (a *Alert) Text() string         { return a.text }
func (a *Alert) Kind() AlertKind      { return a.kind }
func (a *Alert) Window() ContextID    { return a.window }
func (a *Alert) DefaultValue() string { return a.defaultValue }

// Alert returns the dialog open in the window owning the current context, or
// in the window the session last saw one in. It fails with NoAlertPresent when
// there is none, including when that window has been closed.
func (s *Session) Alert(ctx context.Context) (*Alert, error) {
	const op = "getAlert"
	if s.Ended() {
		return nil, &Error{Kind: SessionEnded, Op: op}
	}

	window := ContextID("")
	if s.alert != nil {
		window = s.alert.window
	} else if top := s.tree.topOf(s.current); top != nil {
		window = top.ID
	}
	if _, ok := s.tree.live(window); !ok {
		s.clearAlert(window)
		return nil, newError(NoAlertPresent, op, window, "window is closed")
	}

	var info wire.AlertInfo
	if err := s.execute(ctx, op, window, wire.CmdGetAlert, nil, &info); err != nil {
		if IsKind(err, NoAlertPresent) || IsKind(err, NoSuchWindow) {
			s.clearAlert(window)
			return nil, &Error{Kind: NoAlertPresent, Op: op, Context: window, Err: err}
		}
		return nil, err
	}
	s.setAlert(window, info)
	return s.alert, nil
}

// Accept presses OK.
func (a *Alert) Accept(ctx context.Context) error {
	return a.resolve(ctx, "acceptAlert", wire.CmdAcceptAlert)
}

// Dismiss presses Cancel. A dismissed prompt returns null to the page.
func (a *Alert) Dismiss(ctx context.Context) error {
	return a.resolve(ctx, "dismissAlert", wire.CmdDismissAlert)
}

func (a *Alert) resolve(ctx context.Context, op string, cmd wire.Command) error {
	s := a.session
	err := s.execute(ctx, op, a.window, cmd, nil, nil)
	switch {
	case err == nil:
		s.clearAlert(a.window)
		s.logger.Debug("Alert resolved.", zap.String("op", op), zap.String("alert_text", a.text))
		return nil
	case IsKind(err, NoAlertPresent), IsKind(err, NoSuchWindow):
		s.clearAlert(a.window)
		return &Error{Kind: NoAlertPresent, Op: op, Context: a.window, Err: err}
	}
	return err
}

// SetPromptText types value into a prompt. Alerts and confirms have no input
// field and fail with ElementNotInteractable.
func (a *Alert) SetPromptText(ctx context.Context, value string) error {
	const op = "sendAlertText"
	if a.kind != PromptDialog {
		return &Error{Kind: ElementNotInteractable, Op: op, Context: a.window, AlertText: a.text}
	}
	err := a.session.execute(ctx, op, a.window, wire.CmdSendAlertText, wire.AlertTextParams{Text: value}, nil)
	if IsKind(err, NoSuchWindow) {
		a.session.clearAlert(a.window)
		return &Error{Kind: NoAlertPresent, Op: op, Context: a.window, Err: err}
	}
	return err
}

func (s *Session) setAlert(window ContextID, info wire.AlertInfo) {
	if s.alert != nil && s.alert.window == window && s.alert.text == info.Text {
		s.alert.kind = alertKindFromWire(info.Type)
		s.alert.defaultValue = info.Default
		return
	}
	s.alert = &Alert{
		session:      s,
		window:       window,
		text:         info.Text,
		kind:         alertKindFromWire(info.Type),
		defaultValue: info.Default,
	}
}

// clearAlert empties the slot if it belongs to window. An empty window
// clears unconditionally.
func (s *Session) clearAlert(window ContextID) {
	if s.alert != nil && (window == "" || s.alert.window == window) {
		s.alert = nil
	}
}

// observeAlert fills the slot after the transport reported a command blocked
// by a prompt. The prompt type is fetched when possible; the text from the
// error is kept either way.
func (s *Session) observeAlert(ctx context.Context, contextID ContextID, text string) {
	window := contextID
	if window == "" {
		window = s.current
	}
	if top := s.tree.topOf(window); top != nil {
		window = top.ID
	}

	info := wire.AlertInfo{Text: text, Type: wire.PromptAlert}
	var got wire.AlertInfo
	if err := s.roundTrip(ctx, "getAlert", window, wire.CmdGetAlert, nil, &got); err == nil {
		info = got
	}
	s.setAlert(window, info)
	s.logger.Debug("Alert observed.", zap.String("window", string(window)), zap.String("alert_text", info.Text))
}
