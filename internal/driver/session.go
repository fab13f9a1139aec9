// internal/driver/session.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// UnhandledAlertBehavior decides what a Session does when a command runs into
// a prompt the caller did not ask about.
type UnhandledAlertBehavior string

const (
	AlertAccept  UnhandledAlertBehavior = "accept"
	AlertDismiss UnhandledAlertBehavior = "dismiss"
	AlertIgnore  UnhandledAlertBehavior = "ignore"
)

// ParseUnhandledAlertBehavior accepts the config spelling of a behavior.
func ParseUnhandledAlertBehavior(s string) (UnhandledAlertBehavior, error) {
	switch b := UnhandledAlertBehavior(strings.ToLower(strings.TrimSpace(s))); b {
	case AlertAccept, AlertDismiss, AlertIgnore:
		return b, nil
	case "":
		return AlertIgnore, nil
	}
	return "", fmt.Errorf("unknown unhandled alert behavior %q (want accept, dismiss or ignore)", s)
}

// Options configures a Session.
type Options struct {
	ImplicitWait           time.Duration
	PageLoadTimeout        time.Duration
	ScriptTimeout          time.Duration
	UnhandledAlertBehavior UnhandledAlertBehavior
}

// DefaultOptions mirrors the W3C default timeouts.
func DefaultOptions() Options {
	return Options{
		ImplicitWait:           0,
		PageLoadTimeout:        300 * time.Second,
		ScriptTimeout:          30 * time.Second,
		UnhandledAlertBehavior: AlertIgnore,
	}
}

// Session is one logical driver connection. It owns the browsing context
// tree, the current context pointer and the alert slot.
//
// A Session serves one caller at a time. Issuing commands from several
// goroutines at once is not supported; the only methods safe to call
// concurrently with a running command are Quit, Done, Ended and ID.
type Session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	transport wire.Transport
	opts      Options

	tree    *contextTree
	current ContextID
	alert   *Alert

	closeOnce sync.Once
	closeErr  error
}

// New opens a session over transport, pushes the configured timeouts and
// selects the first reported window as the current context.
func New(ctx context.Context, transport wire.Transport, opts Options, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UnhandledAlertBehavior == "" {
		opts.UnhandledAlertBehavior = AlertIgnore
	}

	sessionID := uuid.New().String()
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &Session{
		id:        sessionID,
		ctx:       sessCtx,
		cancel:    cancel,
		logger:    logger.Named("session").With(zap.String("session_id", sessionID)),
		transport: transport,
		opts:      opts,
		tree:      newContextTree(),
	}

	if err := s.pushTimeouts(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to set session timeouts: %w", err)
	}
	if err := s.refreshWindows(ctx, "newSession"); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load window tree: %w", err)
	}
	if len(s.tree.windows) == 0 {
		cancel()
		return nil, newError(NoSuchWindow, "newSession", "", "transport reported no open windows")
	}
	s.current = s.tree.windows[0]

	s.logger.Info("Session started.", zap.String("window", string(s.current)))
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has been quit.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Ended reports whether Quit has been called.
func (s *Session) Ended() bool { return s.ctx.Err() != nil }

// Options returns the options the session was opened with, including any
// later SetTimeouts changes.
func (s *Session) Options() Options { return s.opts }

// Timeouts is the session's timeout triple.
type Timeouts struct {
	Implicit time.Duration
	PageLoad time.Duration
	Script   time.Duration
}

// Timeouts returns the timeouts currently in force.
func (s *Session) Timeouts() Timeouts {
	return Timeouts{Implicit: s.opts.ImplicitWait, PageLoad: s.opts.PageLoadTimeout, Script: s.opts.ScriptTimeout}
}

// Quit tears the session down. It is safe to call from another goroutine
// while a command or wait is running; those unblock with SessionEnded.
func (s *Session) Quit(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Info("Quitting session.")
		s.cancel()

		var errs error
		if _, err := s.transport.Execute(ctx, "", wire.CmdQuit, nil); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("quit command failed: %w", err))
		}
		if err := s.transport.Close(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("closing transport failed: %w", err))
		}
		s.closeErr = errs
	})
	return s.closeErr
}

// -- Command dispatch --

// execute runs one command with alert gating. When the command trips over a
// prompt, the unhandled alert behavior decides whether to resolve it and
// retry once or to surface UnexpectedAlertOpen.
func (s *Session) execute(ctx context.Context, op string, contextID ContextID, cmd wire.Command, params, out any) error {
	gated := !wire.IsAlertCommand(cmd) && cmd != wire.CmdCloseWindow
	if gated {
		if err := s.gate(ctx, op); err != nil {
			return err
		}
	}

	err := s.roundTrip(ctx, op, contextID, cmd, params, out)
	if !gated || !IsKind(err, UnexpectedAlertOpen) {
		return err
	}

	s.observeAlert(ctx, contextID, err.(*Error).AlertText)
	if s.opts.UnhandledAlertBehavior == AlertIgnore {
		return err
	}
	if rerr := s.resolveUnhandled(ctx, op); rerr != nil {
		return rerr
	}
	return s.roundTrip(ctx, op, contextID, cmd, params, out)
}

// gate refuses or clears a pending alert before a non-alert command.
func (s *Session) gate(ctx context.Context, op string) error {
	if s.Ended() {
		return &Error{Kind: SessionEnded, Op: op}
	}
	if s.alert == nil {
		return nil
	}
	if s.opts.UnhandledAlertBehavior == AlertIgnore {
		if !s.confirmAlert(ctx, op) {
			return nil
		}
		return &Error{Kind: UnexpectedAlertOpen, Op: op, Context: s.alert.window, AlertText: s.alert.text}
	}
	return s.resolveUnhandled(ctx, op)
}

// confirmAlert asks the transport whether the pending alert is still open.
// A dialog whose window was closed by the page or the user empties the slot.
// Any other failure keeps the alert pending.
func (s *Session) confirmAlert(ctx context.Context, op string) bool {
	window := s.alert.window
	if _, ok := s.tree.live(window); !ok {
		s.clearAlert(window)
		return false
	}
	var info wire.AlertInfo
	err := s.roundTrip(ctx, op, window, wire.CmdGetAlert, nil, &info)
	switch {
	case err == nil:
		s.setAlert(window, info)
		return true
	case IsKind(err, NoAlertPresent), IsKind(err, NoSuchWindow):
		s.logger.Debug("Pending alert is gone.", zap.String("op", op), zap.String("window", string(window)))
		s.clearAlert(window)
		return false
	}
	return true
}

// resolveUnhandled applies the accept or dismiss behavior to the pending
// alert and clears the slot.
func (s *Session) resolveUnhandled(ctx context.Context, op string) error {
	a := s.alert
	if a == nil {
		return nil
	}
	cmd := wire.CmdDismissAlert
	if s.opts.UnhandledAlertBehavior == AlertAccept {
		cmd = wire.CmdAcceptAlert
	}
	s.logger.Warn("Resolving unexpected alert.",
		zap.String("op", op),
		zap.String("behavior", string(s.opts.UnhandledAlertBehavior)),
		zap.String("alert_text", a.text))

	err := s.roundTrip(ctx, op, a.window, cmd, nil, nil)
	if err != nil && !IsKind(err, NoAlertPresent) && !IsKind(err, NoSuchWindow) {
		return err
	}
	s.clearAlert(a.window)
	return nil
}

// roundTrip sends one command and maps any failure into the taxonomy.
func (s *Session) roundTrip(ctx context.Context, op string, contextID ContextID, cmd wire.Command, params, out any) error {
	if s.Ended() {
		return &Error{Kind: SessionEnded, Op: op, Context: contextID}
	}
	callCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	raw, err := s.transport.Execute(callCtx, string(contextID), cmd, params)
	if err != nil {
		switch {
		case s.Ended():
			return &Error{Kind: SessionEnded, Op: op, Context: contextID, Err: err}
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return &Error{Kind: Timeout, Op: op, Context: contextID, Err: err}
		}
		de := fromWire(op, contextID, err)
		if de.Kind == NoSuchWindow && contextID != "" {
			s.forget(contextID)
		}
		s.logger.Debug("Command failed.", zap.String("op", op), zap.String("command", string(cmd)), zap.Error(de))
		return de
	}

	if out != nil && len(raw) > 0 {
		if err := codec.Unmarshal(raw, out); err != nil {
			return &Error{Kind: Unknown, Op: op, Context: contextID, Err: fmt.Errorf("decoding %s reply: %w", cmd, err)}
		}
	}
	return nil
}

// forget drops a context the transport no longer knows about.
func (s *Session) forget(id ContextID) {
	c := s.tree.lookup(id)
	if c == nil {
		return
	}
	s.tree.destroy(id)
	if s.alert != nil {
		if top := s.tree.topOf(id); top != nil && top.destroyed {
			s.clearAlert(top.ID)
		}
	}
}

func (s *Session) pushTimeouts(ctx context.Context) error {
	params := wire.Timeouts{
		Implicit: s.opts.ImplicitWait.Milliseconds(),
		PageLoad: s.opts.PageLoadTimeout.Milliseconds(),
		Script:   s.opts.ScriptTimeout.Milliseconds(),
	}
	return s.execute(ctx, "setTimeouts", "", wire.CmdSetTimeouts, params, nil)
}

// SetTimeouts replaces the implicit, page load and script timeouts.
func (s *Session) SetTimeouts(ctx context.Context, t Timeouts) error {
	prev := s.opts
	s.opts.ImplicitWait, s.opts.PageLoadTimeout, s.opts.ScriptTimeout = t.Implicit, t.PageLoad, t.Script
	if err := s.pushTimeouts(ctx); err != nil {
		s.opts = prev
		return err
	}
	return nil
}

// -- Context accessors --

// currentLive returns the current context or NoSuchWindow if it is gone.
func (s *Session) currentLive(op string) (*BrowsingContext, error) {
	if s.Ended() {
		return nil, &Error{Kind: SessionEnded, Op: op}
	}
	c, ok := s.tree.live(s.current)
	if !ok {
		return nil, newError(NoSuchWindow, op, s.current, "current browsing context is no longer open")
	}
	return c, nil
}

// currentTop returns the live top window owning the current context.
func (s *Session) currentTop(op string) (*BrowsingContext, error) {
	if _, err := s.currentLive(op); err != nil {
		return nil, err
	}
	top := s.tree.topOf(s.current)
	if top == nil || top.destroyed {
		return nil, newError(NoSuchWindow, op, s.current, "window owning the current context is closed")
	}
	return top, nil
}

// CurrentContext returns a snapshot of the current browsing context.
func (s *Session) CurrentContext() (BrowsingContext, error) {
	c, err := s.currentLive("currentContext")
	if err != nil {
		return BrowsingContext{}, err
	}
	return c.snapshot(), nil
}

// CurrentID returns the current context id, even if it has been destroyed.
func (s *Session) CurrentID() ContextID { return s.current }

// ContextTree returns snapshots of every live context, keyed by id, and the
// window handles in transport order.
func (s *Session) ContextTree() (map[ContextID]BrowsingContext, []ContextID) {
	return s.tree.snapshotTree(), append([]ContextID(nil), s.tree.windows...)
}

// -- Navigation --

// Get loads url in the window owning the current context and makes that
// window's top document current, discarding any frame focus.
func (s *Session) Get(ctx context.Context, url string) error {
	return s.navigate(ctx, "get", wire.CmdNavigate, wire.NavigateParams{URL: url})
}

// Refresh reloads the current window.
func (s *Session) Refresh(ctx context.Context) error {
	return s.navigate(ctx, "refresh", wire.CmdReload, nil)
}

// Back traverses one step back in the current window's history.
func (s *Session) Back(ctx context.Context) error {
	return s.navigate(ctx, "back", wire.CmdTraverseHistory, wire.TraverseParams{Delta: -1})
}

// Forward traverses one step forward in the current window's history.
func (s *Session) Forward(ctx context.Context) error {
	return s.navigate(ctx, "forward", wire.CmdTraverseHistory, wire.TraverseParams{Delta: 1})
}

func (s *Session) navigate(ctx context.Context, op string, cmd wire.Command, params any) error {
	top, err := s.currentTop(op)
	if err != nil {
		return err
	}

	navCtx, cancel := withTimeout(ctx, s.opts.PageLoadTimeout)
	defer cancel()

	var info wire.ContextInfo
	if err := s.execute(navCtx, op, top.ID, cmd, params, &info); err != nil {
		return err
	}
	if info.Context == "" {
		info.Context = string(top.ID)
	}
	s.tree.apply(info, "")
	s.current = top.ID

	s.logger.Debug("Navigated.", zap.String("op", op), zap.String("window", string(top.ID)), zap.String("url", info.URL))
	return nil
}

// Title returns the title of the window owning the current context.
func (s *Session) Title(ctx context.Context) (string, error) {
	return s.topString(ctx, "title", wire.CmdGetTitle)
}

// CurrentURL returns the URL of the window owning the current context.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	return s.topString(ctx, "currentURL", wire.CmdGetURL)
}

func (s *Session) topString(ctx context.Context, op string, cmd wire.Command) (string, error) {
	top, err := s.currentTop(op)
	if err != nil {
		return "", err
	}
	var v wire.StringValue
	if err := s.execute(ctx, op, top.ID, cmd, nil, &v); err != nil {
		return "", err
	}
	return v.Value, nil
}

// -- Element resolution --

// FindElement returns the first element in the current context matching loc.
func (s *Session) FindElement(ctx context.Context, loc Locator) (ElementHandle, error) {
	return s.Resolve(ctx, s.current, loc)
}

// FindElements returns every element in the current context matching loc.
// No match is an empty slice, not an error.
func (s *Session) FindElements(ctx context.Context, loc Locator) ([]ElementHandle, error) {
	return s.ResolveAll(ctx, s.current, loc)
}

// Resolve finds the first match for loc inside the given context only;
// nested frames are never searched.
func (s *Session) Resolve(ctx context.Context, contextID ContextID, loc Locator) (ElementHandle, error) {
	handles, err := s.find(ctx, "findElement", contextID, loc, nil)
	if err != nil {
		return ElementHandle{}, err
	}
	if len(handles) == 0 {
		return ElementHandle{}, &Error{Kind: NotFound, Op: "findElement", Locator: &loc, Context: contextID}
	}
	return handles[0], nil
}

// ResolveAll finds every match for loc inside the given context only.
func (s *Session) ResolveAll(ctx context.Context, contextID ContextID, loc Locator) ([]ElementHandle, error) {
	return s.find(ctx, "findElements", contextID, loc, nil)
}

// FindElementFrom searches the subtree of from for the first match of loc.
func (s *Session) FindElementFrom(ctx context.Context, from ElementHandle, loc Locator) (ElementHandle, error) {
	handles, err := s.find(ctx, "findElementFrom", from.Owner, loc, &from)
	if err != nil {
		return ElementHandle{}, err
	}
	if len(handles) == 0 {
		return ElementHandle{}, &Error{Kind: NotFound, Op: "findElementFrom", Locator: &loc, Context: from.Owner}
	}
	return handles[0], nil
}

// FindElementsFrom searches the subtree of from for every match of loc.
func (s *Session) FindElementsFrom(ctx context.Context, from ElementHandle, loc Locator) ([]ElementHandle, error) {
	return s.find(ctx, "findElementsFrom", from.Owner, loc, &from)
}

func (s *Session) find(ctx context.Context, op string, contextID ContextID, loc Locator, from *ElementHandle) ([]ElementHandle, error) {
	// An open alert outranks a bad selector.
	if err := s.gate(ctx, op); err != nil {
		return nil, err
	}
	using, value, err := loc.query()
	if err != nil {
		if de, ok := err.(*Error); ok {
			de.Op = op
		}
		return nil, err
	}

	params := wire.FindParams{Using: using, Value: value}
	trail := []Locator{loc}
	if from != nil {
		if err := s.checkHandle(op, *from); err != nil {
			return nil, err
		}
		params.From = from.ID
		trail = from.with(loc)
	} else if s.Ended() {
		return nil, &Error{Kind: SessionEnded, Op: op}
	} else if _, ok := s.tree.live(contextID); !ok {
		return nil, newError(NoSuchWindow, op, contextID, "browsing context is no longer open")
	}

	var res wire.FindResult
	if err := s.execute(ctx, op, contextID, wire.CmdFindElements, params, &res); err != nil {
		if de, ok := err.(*Error); ok && de.Locator == nil {
			de.Locator = &loc
		}
		if from != nil && IsKind(err, NoSuchWindow) {
			return nil, &Error{Kind: StaleElementReference, Op: op, Locator: &loc, Context: contextID, Err: err}
		}
		return nil, err
	}

	if len(res.Elements) > 0 {
		if err := s.syncDocument(ctx, op, contextID, res.Elements[0].Document); err != nil {
			return nil, err
		}
	}

	handles := make([]ElementHandle, 0, len(res.Elements))
	for _, ref := range res.Elements {
		handles = append(handles, ElementHandle{
			ID:       ref.Element,
			Owner:    contextID,
			Document: ref.Document,
			Trail:    trail,
		})
	}
	return handles, nil
}

// checkHandle rejects handles whose owning context is gone or has navigated
// since the handle was resolved.
func (s *Session) checkHandle(op string, h ElementHandle) error {
	if s.Ended() {
		return &Error{Kind: SessionEnded, Op: op}
	}
	if h.IsZero() {
		return newError(StaleElementReference, op, h.Owner, "element handle was never resolved")
	}
	c, ok := s.tree.live(h.Owner)
	if !ok {
		return newError(StaleElementReference, op, h.Owner, "%s: owning browsing context is gone", h)
	}
	if c.Document != h.Document {
		return newError(StaleElementReference, op, h.Owner, "%s: owning browsing context has navigated", h)
	}
	return nil
}

// Describe reads tag, text, attributes and visibility of h. It is the first
// point at which a stale handle is detected.
func (s *Session) Describe(ctx context.Context, h ElementHandle) (ElementInfo, error) {
	const op = "describeElement"
	if err := s.checkHandle(op, h); err != nil {
		return ElementInfo{}, err
	}
	var d wire.ElementDescription
	if err := s.execute(ctx, op, h.Owner, wire.CmdDescribeElement, wire.DescribeParams{Element: h.ID}, &d); err != nil {
		if IsKind(err, NoSuchWindow) {
			return ElementInfo{}, &Error{Kind: StaleElementReference, Op: op, Context: h.Owner, Err: err}
		}
		return ElementInfo{}, err
	}
	return ElementInfo{Tag: d.Tag, Text: d.Text, Attributes: d.Attributes, Displayed: d.Displayed, Path: d.Path}, nil
}

// ActiveElement returns the focused element of the current context, or its
// body when nothing has focus.
func (s *Session) ActiveElement(ctx context.Context) (ElementHandle, error) {
	const op = "activeElement"
	c, err := s.currentLive(op)
	if err != nil {
		return ElementHandle{}, err
	}
	var ref wire.ElementRef
	if err := s.execute(ctx, op, c.ID, wire.CmdActiveElement, nil, &ref); err != nil {
		return ElementHandle{}, err
	}
	if err := s.syncDocument(ctx, op, c.ID, ref.Document); err != nil {
		return ElementHandle{}, err
	}
	return ElementHandle{ID: ref.Element, Owner: c.ID, Document: ref.Document}, nil
}
