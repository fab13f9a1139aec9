// internal/driver/cdp/tab.go
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

const blankURL = "about:blank"

// errBlocked cancels protocol calls that a newly opened dialog will never
// let finish.
var errBlocked = errors.New("blocked by a user prompt")

// tab is one page target, which is one top-level window.
type tab struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	name   string

	// index is the last frame tree read, keyed by frame id.
	index  map[string]*page.FrameTree
	root   string
	worlds map[string]world
	last   wire.ContextInfo

	// mu guards the dialog state, which the event listener writes.
	mu         sync.Mutex
	dialog     *page.EventJavascriptDialogOpening
	promptText *string
	inflight   map[int]context.CancelCauseFunc
	seq        int
}

// world is the driver's isolated execution context in one document.
type world struct {
	loader string
	id     runtime.ExecutionContextID
}

// docState is the reply of the helper's state entry point.
type docState struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Ready string `json:"ready"`
	Name  string `json:"name"`
}

// hostInfo is the reply of the helper's host entry point.
type hostInfo struct {
	Ref  string `json:"ref"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// reply is the envelope every helper call returns.
type reply struct {
	Value   json.RawMessage `json:"value"`
	Error   wire.ErrorCode  `json:"error"`
	Message string          `json:"message"`
}

func newTab(ctx context.Context, cancel context.CancelFunc, id target.ID, logger *zap.Logger) *tab {
	t := &tab{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With(zap.String("target", string(id))),
		index:    make(map[string]*page.FrameTree),
		root:     string(id),
		worlds:   make(map[string]world),
		inflight: make(map[int]context.CancelCauseFunc),
	}
	chromedp.ListenTarget(ctx, t.onEvent)
	return t
}

// onEvent runs on the connection's event goroutine and must not block.
func (t *tab) onEvent(ev any) {
	switch ev := ev.(type) {
	case *page.EventJavascriptDialogOpening:
		t.mu.Lock()
		t.dialog = ev
		t.promptText = nil
		for _, cancel := range t.inflight {
			cancel(errBlocked)
		}
		t.mu.Unlock()
		t.logger.Debug("Dialog opened.", zap.String("type", string(ev.Type)), zap.String("message", ev.Message))
	case *page.EventJavascriptDialogClosed:
		t.mu.Lock()
		t.dialog = nil
		t.promptText = nil
		t.mu.Unlock()
	}
}

func (t *tab) detach() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *tab) openDialog() *page.EventJavascriptDialogOpening {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialog
}

func (t *tab) mainFrame() string { return t.root }

func (t *tab) hasFrame(frame string) bool {
	_, ok := t.index[frame]
	return ok
}

func (t *tab) document(frame string) string {
	if n, ok := t.index[frame]; ok {
		return loaderOf(n.Frame)
	}
	return ""
}

func loaderOf(f *cdproto.Frame) string {
	if f.LoaderID == "" {
		return string(f.ID) + ":initial"
	}
	return string(f.LoaderID)
}

// run executes fn against this tab with the caller's cancellation, a
// deadline and interruption by dialogs.
func (t *tab) run(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancelCause(t.ctx)
	defer cancel(nil)
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })
	defer stop()

	t.mu.Lock()
	if t.dialog != nil {
		text := t.dialog.Message
		t.mu.Unlock()
		return wire.AlertOpen(text)
	}
	t.seq++
	key := t.seq
	t.inflight[key] = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.inflight, key)
		t.mu.Unlock()
	}()

	err := chromedp.Run(runCtx, chromedp.ActionFunc(fn))
	if err == nil {
		return nil
	}
	if errors.Is(context.Cause(runCtx), errBlocked) {
		if d := t.openDialog(); d != nil {
			return wire.AlertOpen(d.Message)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return wire.Errorf(wire.CodeTimeout, "protocol call timed out after %s", timeout)
	}
	return err
}

// refresh rereads the frame tree.
func (t *tab) refresh(ctx context.Context) error {
	var tree *page.FrameTree
	err := t.run(ctx, 10*time.Second, func(ctx context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(ctx)
		return err
	})
	if err != nil {
		return err
	}
	index := make(map[string]*page.FrameTree)
	var walk func(*page.FrameTree)
	walk = func(n *page.FrameTree) {
		index[string(n.Frame.ID)] = n
		for _, child := range n.ChildFrames {
			walk(child)
		}
	}
	walk(tree)
	t.index = index
	t.root = string(tree.Frame.ID)
	for id, w := range t.worlds {
		if n, ok := index[id]; !ok || loaderOf(n.Frame) != w.loader {
			delete(t.worlds, id)
		}
	}
	return nil
}

// world returns the driver's execution context in frame's current document,
// creating and seeding it on first use.
func (t *tab) world(ctx context.Context, frame string) (runtime.ExecutionContextID, error) {
	if err := t.refresh(ctx); err != nil {
		return 0, err
	}
	n, ok := t.index[frame]
	if !ok {
		return 0, wire.Errorf(wire.CodeNoSuchWindow, "frame %s is gone", frame)
	}
	loader := loaderOf(n.Frame)
	if w, ok := t.worlds[frame]; ok && w.loader == loader {
		return w.id, nil
	}

	var id runtime.ExecutionContextID
	err := t.run(ctx, 10*time.Second, func(ctx context.Context) error {
		var err error
		id, err = page.CreateIsolatedWorld(n.Frame.ID).WithWorldName(worldName).Do(ctx)
		if err != nil {
			return err
		}
		_, exc, err := runtime.Evaluate(helperScript).WithContextID(id).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("installing helper: %w", exc)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	t.worlds[frame] = world{loader: loader, id: id}
	return id, nil
}

// call invokes a helper entry point in frame and decodes its value into out.
func (t *tab) call(ctx context.Context, frame string, out any, fn string, args ...any) error {
	expr, err := callExpression(fn, args)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		id, err := t.world(ctx, frame)
		if err != nil {
			return err
		}
		var res *runtime.RemoteObject
		err = t.run(ctx, 30*time.Second, func(ctx context.Context) error {
			var exc *runtime.ExceptionDetails
			var err error
			res, exc, err = runtime.Evaluate(expr).WithContextID(id).WithReturnByValue(true).Do(ctx)
			if err == nil && exc != nil {
				err = exc
			}
			return err
		})
		if err != nil {
			// The world dies with its document; a navigation between
			// lookup and call gets one retry against the new document.
			if attempt == 0 && strings.Contains(err.Error(), "Cannot find context") {
				delete(t.worlds, frame)
				continue
			}
			return err
		}
		return decodeReply(res, out)
	}
}

func callExpression(fn string, args []any) (string, error) {
	parts := make([]string, 0, len(args)+1)
	for _, v := range append([]any{fn}, args...) {
		raw, err := codec.Marshal(v)
		if err != nil {
			return "", wire.Errorf(wire.CodeInvalidArgument, "encoding argument: %v", err)
		}
		parts = append(parts, string(raw))
	}
	return "globalThis.__scalpel.call(" + strings.Join(parts, ", ") + ")", nil
}

func decodeReply(res *runtime.RemoteObject, out any) error {
	if res == nil || len(res.Value) == 0 {
		return wire.Errorf(wire.CodeUnknownError, "helper returned nothing")
	}
	var r reply
	if err := codec.Unmarshal([]byte(res.Value), &r); err != nil {
		return wire.Errorf(wire.CodeUnknownError, "decoding helper reply: %v", err)
	}
	if r.Error != "" {
		return &wire.Error{Code: r.Error, Message: r.Message}
	}
	if out == nil || len(r.Value) == 0 {
		return nil
	}
	if err := codec.Unmarshal(r.Value, out); err != nil {
		return wire.Errorf(wire.CodeUnknownError, "decoding helper value: %v", err)
	}
	return nil
}

// contextInfo reads frame's subtree. Frame hosts are resolved in the
// parent's world so they share its element references.
func (t *tab) contextInfo(ctx context.Context, frame string) (wire.ContextInfo, error) {
	if t.openDialog() != nil {
		return wire.ContextInfo{}, errBlocked
	}
	if err := t.refresh(ctx); err != nil {
		return wire.ContextInfo{}, err
	}
	n, ok := t.index[frame]
	if !ok {
		return wire.ContextInfo{}, wire.Errorf(wire.CodeNoSuchWindow, "frame %s is gone", frame)
	}
	info, err := t.frameInfo(ctx, n)
	if err != nil {
		return wire.ContextInfo{}, err
	}
	if frame == t.root {
		t.last = info
	}
	return info, nil
}

func (t *tab) frameInfo(ctx context.Context, n *page.FrameTree) (wire.ContextInfo, error) {
	id := string(n.Frame.ID)
	var st docState
	if err := t.call(ctx, id, &st, "state"); err != nil {
		return wire.ContextInfo{}, err
	}
	info := wire.ContextInfo{
		Context:  id,
		Kind:     wire.KindWindow,
		URL:      st.URL,
		Title:    st.Title,
		Document: t.document(id),
	}
	if n.Frame.ParentID == "" {
		info.Name = st.Name
		t.name = st.Name
	} else {
		info.Parent = string(n.Frame.ParentID)
		host, err := t.host(ctx, n.Frame)
		if err != nil {
			return wire.ContextInfo{}, err
		}
		info.Kind = wire.KindIframe
		if host.Tag == "frame" {
			info.Kind = wire.KindFrame
		}
		info.Host = host.Ref
		info.HostID = host.ID
		info.Name = host.Name
		if info.Name == "" {
			info.Name = n.Frame.Name
		}
	}
	for _, child := range n.ChildFrames {
		c, err := t.frameInfo(ctx, child)
		if err != nil {
			var we *wire.Error
			if errors.As(err, &we) && we.Code == wire.CodeNoSuchWindow {
				// Removed while we were walking.
				continue
			}
			return wire.ContextInfo{}, err
		}
		info.Children = append(info.Children, c)
	}
	return info, nil
}

// host resolves the element hosting f in its parent document.
func (t *tab) host(ctx context.Context, f *cdproto.Frame) (hostInfo, error) {
	parentWorld, err := t.world(ctx, string(f.ParentID))
	if err != nil {
		return hostInfo{}, err
	}
	var res *runtime.RemoteObject
	err = t.run(ctx, 10*time.Second, func(ctx context.Context) error {
		backendID, _, err := dom.GetFrameOwner(f.ID).Do(ctx)
		if err != nil {
			return wire.Errorf(wire.CodeNoSuchWindow, "frame %s has no owner: %v", f.ID, err)
		}
		obj, err := dom.ResolveNode().WithBackendNodeID(backendID).WithExecutionContextID(parentWorld).Do(ctx)
		if err != nil {
			return err
		}
		var exc *runtime.ExceptionDetails
		res, exc, err = runtime.CallFunctionOn(hostFunction).WithObjectID(obj.ObjectID).WithReturnByValue(true).Do(ctx)
		if err == nil && exc != nil {
			err = exc
		}
		return err
	})
	if err != nil {
		return hostInfo{}, err
	}
	var h hostInfo
	if err := decodeReply(res, &h); err != nil {
		return hostInfo{}, err
	}
	return h, nil
}

// blockedInfo is what the tree reports for a window behind a dialog.
func (t *tab) blockedInfo() wire.ContextInfo {
	info := t.last
	if info.Context == "" {
		info = wire.ContextInfo{Context: t.root, Kind: wire.KindWindow, Document: t.document(t.root)}
	}
	return info
}

func (t *tab) navigate(ctx context.Context, frame, rawURL string, timeout time.Duration) error {
	var st docState
	if err := t.call(ctx, frame, &st, "state"); err != nil {
		return err
	}
	u := resolveURL(st.URL, rawURL)

	if frame == t.root {
		return t.run(ctx, timeout, func(ctx context.Context) error {
			return chromedp.Navigate(u).Do(ctx)
		})
	}
	prev := t.document(frame)
	if err := t.call(ctx, frame, nil, "navigate", u); err != nil {
		return err
	}
	return t.waitLoaded(ctx, frame, prev, timeout)
}

func (t *tab) reload(ctx context.Context, frame string, timeout time.Duration) error {
	if frame == t.root {
		return t.run(ctx, timeout, func(ctx context.Context) error {
			return chromedp.Reload().Do(ctx)
		})
	}
	if err := t.refresh(ctx); err != nil {
		return err
	}
	prev := t.document(frame)
	if err := t.call(ctx, frame, nil, "reload"); err != nil {
		return err
	}
	return t.waitLoaded(ctx, frame, prev, timeout)
}

// traverse moves through the window's session history. Moving past either
// end leaves the window where it is.
func (t *tab) traverse(ctx context.Context, delta int, timeout time.Duration) error {
	if delta == 0 {
		return nil
	}
	var (
		current int64
		entries []*page.NavigationEntry
	)
	err := t.run(ctx, 10*time.Second, func(ctx context.Context) error {
		var err error
		current, entries, err = page.GetNavigationHistory().Do(ctx)
		return err
	})
	if err != nil {
		return err
	}
	next := int(current) + delta
	if next < 0 || next >= len(entries) {
		return nil
	}
	if err := t.refresh(ctx); err != nil {
		return err
	}
	prev := t.document(t.root)
	err = t.run(ctx, 10*time.Second, func(ctx context.Context) error {
		return page.NavigateToHistoryEntry(entries[next].ID).Do(ctx)
	})
	if err != nil {
		return err
	}
	return t.waitLoaded(ctx, t.root, prev, timeout)
}

// waitLoaded polls until frame holds a document other than prev that has
// finished loading.
func (t *tab) waitLoaded(ctx context.Context, frame, prev string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(loadPoll), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The next poll would land past the caller's deadline.
			return wire.Errorf(wire.CodeTimeout, "page did not load within %s", timeout)
		}
		if err := t.refresh(ctx); err != nil {
			return err
		}
		if !t.hasFrame(frame) {
			return wire.Errorf(wire.CodeNoSuchWindow, "frame %s went away while loading", frame)
		}
		if doc := t.document(frame); doc != prev {
			var st docState
			err := t.call(ctx, frame, &st, "state")
			if err == nil && st.Ready == "complete" {
				return nil
			}
			if we, ok := wire.AsError(err); ok && we.Code == wire.CodeUnexpectedAlertOpen {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return wire.Errorf(wire.CodeTimeout, "page did not load within %s", timeout)
		}
	}
}

func (t *tab) alertCommand(ctx context.Context, cmd wire.Command, params any) (any, error) {
	d := t.openDialog()
	if d == nil {
		return nil, wire.Errorf(wire.CodeNoSuchAlert, "no user prompt is open")
	}

	switch cmd {
	case wire.CmdGetAlert:
		return wire.AlertInfo{Text: d.Message, Type: string(d.Type), Default: d.DefaultPrompt}, nil

	case wire.CmdSendAlertText:
		if d.Type != page.DialogTypePrompt {
			return nil, wire.Errorf(wire.CodeElementNotInteractable, "%s has no text input", d.Type)
		}
		var p wire.AlertTextParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.promptText = &p.Text
		t.mu.Unlock()
		return nil, nil

	case wire.CmdAcceptAlert:
		t.mu.Lock()
		text := t.promptText
		t.mu.Unlock()
		return nil, t.handleDialog(ctx, true, text)

	case wire.CmdDismissAlert:
		return nil, t.handleDialog(ctx, false, nil)
	}
	return nil, wire.Errorf(wire.CodeUnknownCommand, "unknown command %q", cmd)
}

// handleDialog answers the open dialog. It goes around run, which refuses
// to talk to a tab with a dialog up.
func (t *tab) handleDialog(ctx context.Context, accept bool, text *string) error {
	runCtx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	params := page.HandleJavaScriptDialog(accept)
	if text != nil {
		params = params.WithPromptText(*text)
	}
	if err := chromedp.Run(runCtx, params); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	t.mu.Lock()
	t.dialog = nil
	t.promptText = nil
	t.mu.Unlock()
	return nil
}

// resolveURL resolves ref against base the way a link in base would.
func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil || b.Scheme == "about" || b.Scheme == "" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
