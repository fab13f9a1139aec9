// internal/driver/cdp/browser.go
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// startupTimeout bounds the readiness check run right after launch.
	startupTimeout = 30 * time.Second
	// implicitPoll is how often an implicit wait re-runs a failed lookup.
	implicitPoll = 50 * time.Millisecond
	// loadPoll is how often a frame navigation is checked for completion.
	loadPoll = 25 * time.Millisecond
)

// Browser is a wire.Transport backed by a Chrome process driven over the
// DevTools protocol. Page targets are top-level windows; frames come from
// each target's frame tree. Commands are serialized.
type Browser struct {
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	// rootCtx owns the browser connection. Tabs are derived from it.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	tabs     map[target.ID]*tab
	frames   map[string]frameAddr
	timeouts wire.Timeouts

	closed    atomic.Bool
	closeOnce sync.Once
}

// frameAddr locates a browsing context: the tab it lives in and its frame.
type frameAddr struct {
	tab   *tab
	frame string
}

// New launches Chrome and waits until it answers. The returned Browser owns
// the process until Close.
func New(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Browser{
		logger: logger.Named("cdp_browser"),
		tabs:   make(map[target.ID]*tab),
		frames: make(map[string]frameAddr),
	}

	b.logger.Info("Initializing browser allocator...", zap.Bool("headless", cfg.Headless))
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions(cfg)...)
	b.rootCtx, b.rootCancel = chromedp.NewContext(b.allocCtx)

	// Run a simple task to confirm the browser is alive. The first run also
	// starts the process and attaches the initial tab.
	readyCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	stop := context.AfterFunc(readyCtx, func() {
		if errors.Is(readyCtx.Err(), context.DeadlineExceeded) || ctx.Err() != nil {
			b.rootCancel()
		}
	})
	err := chromedp.Run(b.rootCtx, chromedp.Navigate("about:blank"))
	stop()
	if err != nil {
		b.allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	first := chromedp.FromContext(b.rootCtx).Target
	if first == nil {
		b.allocCancel()
		return nil, fmt.Errorf("browser started without a page target")
	}
	b.tabs[first.TargetID] = newTab(b.rootCtx, nil, first.TargetID, b.logger)

	b.logger.Info("Browser launched successfully and is responsive.")
	return b, nil
}

// Execute implements wire.Transport.
func (b *Browser) Execute(ctx context.Context, contextID string, cmd wire.Command, params any) (json.RawMessage, error) {
	if b.closed.Load() {
		return nil, wire.Errorf(wire.CodeInvalidSessionID, "browser has been closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		result any
		err    error
	)
	if cmd == wire.CmdFindElements {
		result, err = b.findWithImplicitWait(ctx, contextID, params)
	} else {
		b.mu.Lock()
		result, err = b.dispatch(ctx, contextID, cmd, params)
		b.mu.Unlock()
	}
	if err != nil {
		err = b.classify(ctx, err)
		b.logger.Debug("Command failed.", zap.String("command", string(cmd)), zap.String("context", contextID), zap.Error(err))
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	raw, err := codec.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s reply: %w", cmd, err)
	}
	return raw, nil
}

// classify turns protocol failures into wire errors the session understands.
func (b *Browser) classify(ctx context.Context, err error) error {
	if _, ok := wire.AsError(err); ok {
		return err
	}
	if b.closed.Load() {
		return wire.Errorf(wire.CodeInvalidSessionID, "browser has been closed")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) {
		// A tab context ends when its target goes away.
		return wire.Errorf(wire.CodeNoSuchWindow, "%v", err)
	}
	return wire.Errorf(wire.CodeUnknownError, "%v", err)
}

// Close implements wire.Transport. It terminates the browser process and is
// safe to call while commands are in flight.
func (b *Browser) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.logger.Info("Shutting down browser process...")

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Closes the tabs and the browser gracefully.
			b.rootCancel()
		}()
		select {
		case <-done:
		case <-ctx.Done():
			b.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
		}
		b.allocCancel()
		<-b.allocCtx.Done()
	})
	return nil
}

func (b *Browser) findWithImplicitWait(ctx context.Context, contextID string, params any) (any, error) {
	b.mu.Lock()
	deadline := time.Now().Add(time.Duration(b.timeouts.Implicit) * time.Millisecond)
	b.mu.Unlock()

	for {
		b.mu.Lock()
		result, err := b.dispatch(ctx, contextID, wire.CmdFindElements, params)
		b.mu.Unlock()
		if err != nil || len(result.(wire.FindResult).Elements) > 0 {
			return result, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return result, nil
		}
		timer := time.NewTimer(min(implicitPoll, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// decode copies a command's params into dst through their JSON form.
func decode(params any, dst any) error {
	if params == nil {
		return nil
	}
	raw, err := codec.Marshal(params)
	if err != nil {
		return wire.Errorf(wire.CodeInvalidArgument, "encoding params: %v", err)
	}
	if err := codec.Unmarshal(raw, dst); err != nil {
		return wire.Errorf(wire.CodeInvalidArgument, "decoding params: %v", err)
	}
	return nil
}

func (b *Browser) dispatch(ctx context.Context, contextID string, cmd wire.Command, params any) (any, error) {
	switch cmd {
	case wire.CmdQuit:
		return nil, b.Close(ctx)
	case wire.CmdSetTimeouts:
		var t wire.Timeouts
		if err := decode(params, &t); err != nil {
			return nil, err
		}
		b.timeouts = t
		return nil, nil
	case wire.CmdGetTree:
		var p wire.TreeParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if p.Root == "" {
			return b.tree(ctx)
		}
		contextID = p.Root
	}

	addr, err := b.lookup(ctx, contextID)
	if err != nil {
		return nil, err
	}
	t := addr.tab

	switch cmd {
	case wire.CmdGetAlert, wire.CmdAcceptAlert, wire.CmdDismissAlert, wire.CmdSendAlertText:
		return t.alertCommand(ctx, cmd, params)
	case wire.CmdCloseWindow:
		return b.closeWindow(ctx, t)
	}
	if d := t.openDialog(); d != nil {
		return nil, wire.AlertOpen(d.Message)
	}

	switch cmd {
	case wire.CmdGetTree:
		info, err := b.info(ctx, addr)
		if err != nil {
			return nil, err
		}
		return wire.TreeResult{Contexts: []wire.ContextInfo{info}}, nil

	case wire.CmdNavigate:
		var p wire.NavigateParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := t.navigate(ctx, addr.frame, p.URL, b.pageLoad()); err != nil {
			return nil, err
		}
		return b.info(ctx, addr)

	case wire.CmdReload:
		if err := t.reload(ctx, addr.frame, b.pageLoad()); err != nil {
			return nil, err
		}
		return b.info(ctx, addr)

	case wire.CmdTraverseHistory:
		var p wire.TraverseParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := t.traverse(ctx, p.Delta, b.pageLoad()); err != nil {
			return nil, err
		}
		return b.info(ctx, frameAddr{tab: t, frame: t.mainFrame()})

	case wire.CmdGetTitle, wire.CmdGetURL:
		var st docState
		if err := t.call(ctx, addr.frame, &st, "state"); err != nil {
			return nil, err
		}
		if cmd == wire.CmdGetTitle {
			return wire.StringValue{Value: st.Title}, nil
		}
		return wire.StringValue{Value: st.URL}, nil

	case wire.CmdFindElements:
		var p wire.FindParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		var refs []string
		var from any
		if p.From != "" {
			from = p.From
		}
		if err := t.call(ctx, addr.frame, &refs, "find", p.Using, p.Value, from); err != nil {
			return nil, err
		}
		doc := t.document(addr.frame)
		res := wire.FindResult{Elements: make([]wire.ElementRef, 0, len(refs))}
		for _, r := range refs {
			res.Elements = append(res.Elements, wire.ElementRef{Element: r, Document: doc})
		}
		return res, nil

	case wire.CmdDescribeElement:
		var p wire.DescribeParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		var desc wire.ElementDescription
		if err := t.call(ctx, addr.frame, &desc, "describe", p.Element); err != nil {
			return nil, err
		}
		return desc, nil

	case wire.CmdActiveElement:
		var r string
		if err := t.call(ctx, addr.frame, &r, "active"); err != nil {
			return nil, err
		}
		return wire.ElementRef{Element: r, Document: t.document(addr.frame)}, nil

	case wire.CmdNewWindow:
		var p wire.NewWindowParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return b.newWindow(ctx, addr, p)
	}

	return nil, wire.Errorf(wire.CodeUnknownCommand, "unknown command %q", cmd)
}

func (b *Browser) pageLoad() time.Duration {
	if b.timeouts.PageLoad <= 0 {
		return 300 * time.Second
	}
	return time.Duration(b.timeouts.PageLoad) * time.Millisecond
}

// syncTabs reconciles the tab table with the browser's page targets. Pages
// opened by scripts show up here for the first time.
func (b *Browser) syncTabs(ctx context.Context) ([]*tab, error) {
	infos, err := chromedp.Targets(b.rootCtx)
	if err != nil {
		return nil, err
	}
	seen := make(map[target.ID]bool, len(infos))
	tabs := make([]*tab, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		seen[info.TargetID] = true
		t, ok := b.tabs[info.TargetID]
		if !ok {
			tabCtx, cancel := chromedp.NewContext(b.rootCtx, chromedp.WithTargetID(info.TargetID))
			if err := chromedp.Run(tabCtx); err != nil {
				cancel()
				b.logger.Debug("Could not attach to page target.", zap.String("target", string(info.TargetID)), zap.Error(err))
				continue
			}
			t = newTab(tabCtx, cancel, info.TargetID, b.logger)
			b.tabs[info.TargetID] = t
			b.logger.Debug("Attached to new window.", zap.String("target", string(info.TargetID)), zap.String("url", info.URL))
		}
		tabs = append(tabs, t)
	}
	for id, t := range b.tabs {
		if !seen[id] {
			t.detach()
			delete(b.tabs, id)
		}
	}
	return tabs, ctx.Err()
}

// lookup finds the tab and frame for a context id, refreshing the tables
// once when the id is unknown.
func (b *Browser) lookup(ctx context.Context, contextID string) (frameAddr, error) {
	if addr, ok := b.frames[contextID]; ok && addr.tab.hasFrame(addr.frame) {
		return addr, nil
	}
	if _, err := b.tree(ctx); err != nil {
		return frameAddr{}, err
	}
	if addr, ok := b.frames[contextID]; ok {
		return addr, nil
	}
	return frameAddr{}, wire.Errorf(wire.CodeNoSuchWindow, "no browsing context %q", contextID)
}

func (b *Browser) tree(ctx context.Context) (wire.TreeResult, error) {
	tabs, err := b.syncTabs(ctx)
	if err != nil {
		return wire.TreeResult{}, err
	}

	// Windows are independent targets, so their trees are read in parallel.
	infos := make([]*wire.ContextInfo, len(tabs))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tabs {
		g.Go(func() error {
			info, err := t.contextInfo(gctx, t.mainFrame())
			switch {
			case err == nil:
			case errors.Is(err, errBlocked) || t.openDialog() != nil:
				info = t.blockedInfo()
			default:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.logger.Debug("Skipping window that vanished while reading its tree.", zap.String("target", string(t.id)), zap.Error(err))
				return nil
			}
			infos[i] = &info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return wire.TreeResult{}, err
	}

	b.frames = make(map[string]frameAddr)
	res := wire.TreeResult{Contexts: make([]wire.ContextInfo, 0, len(tabs))}
	for i, info := range infos {
		if info == nil {
			continue
		}
		b.record(tabs[i], *info)
		res.Contexts = append(res.Contexts, *info)
	}
	return res, nil
}

// info reads the subtree rooted at addr and records every context in it.
func (b *Browser) info(ctx context.Context, addr frameAddr) (wire.ContextInfo, error) {
	info, err := addr.tab.contextInfo(ctx, addr.frame)
	if err != nil {
		if errors.Is(err, errBlocked) {
			if d := addr.tab.openDialog(); d != nil {
				return wire.ContextInfo{}, wire.AlertOpen(d.Message)
			}
		}
		return wire.ContextInfo{}, err
	}
	b.record(addr.tab, info)
	return info, nil
}

func (b *Browser) record(t *tab, info wire.ContextInfo) {
	b.frames[info.Context] = frameAddr{tab: t, frame: info.Context}
	for _, child := range info.Children {
		b.record(t, child)
	}
}

// browserExec addresses protocol calls to the browser rather than a page.
func (b *Browser) browserExec(ctx context.Context) context.Context {
	return cdproto.WithExecutor(ctx, chromedp.FromContext(b.rootCtx).Browser)
}

func (b *Browser) newWindow(ctx context.Context, opener frameAddr, p wire.NewWindowParams) (any, error) {
	u := blankURL
	if p.URL != "" {
		var st docState
		if err := opener.tab.call(ctx, opener.frame, &st, "state"); err != nil {
			return nil, err
		}
		u = resolveURL(st.URL, p.URL)
	}

	id, err := target.CreateTarget(u).WithNewWindow(p.Type == "window").Do(b.browserExec(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create target: %w", err)
	}

	tabCtx, cancel := chromedp.NewContext(b.rootCtx, chromedp.WithTargetID(id))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach to new window: %w", err)
	}
	t := newTab(tabCtx, cancel, id, b.logger)
	b.tabs[id] = t
	if err := t.waitLoaded(ctx, t.mainFrame(), "", b.pageLoad()); err != nil {
		return nil, err
	}
	if p.Name != "" {
		if err := t.call(ctx, t.mainFrame(), nil, "setName", p.Name); err != nil {
			return nil, err
		}
		t.name = p.Name
	}
	b.logger.Debug("Window opened.", zap.String("context", string(id)), zap.String("url", u), zap.String("name", p.Name))
	return wire.NewWindowResult{Context: string(id)}, nil
}

func (b *Browser) closeWindow(ctx context.Context, t *tab) (any, error) {
	// An open dialog keeps page.close from completing.
	if t.openDialog() != nil {
		_ = t.handleDialog(ctx, false, nil)
	}
	closeCtx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(closeCtx, page.Close()); err != nil {
		b.logger.Debug("page.close failed, closing target instead.", zap.Error(err))
		if err := target.CloseTarget(t.id).Do(b.browserExec(ctx)); err != nil {
			return nil, err
		}
	}
	t.detach()
	delete(b.tabs, t.id)

	tabs, err := b.syncTabs(ctx)
	if err != nil {
		return nil, err
	}
	res := wire.CloseWindowResult{Remaining: make([]string, 0, len(tabs))}
	for _, other := range tabs {
		if other != t {
			res.Remaining = append(res.Remaining, string(other.id))
		}
	}
	return res, nil
}
