// internal/driver/memory/browser.go
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	blankURL = "about:blank"
	blankDoc = "<html><head><title></title></head><body></body></html>"

	// maxFrameDepth bounds frame nesting so self-referencing pages terminate.
	maxFrameDepth = 10
	// implicitPoll is how often an implicit wait re-runs a failed lookup.
	implicitPoll = 20 * time.Millisecond
)

// Browser is an in-process browser over parsed HTML documents. It has no
// layout, scripting or network; pages come from an in-memory table or an
// afero filesystem. The page-side methods (OpenWindow, RaiseDialog,
// RemoveNode and friends) stand in for what scripts would do.
//
// All methods are safe for concurrent use.
type Browser struct {
	mu     sync.Mutex
	logger *zap.Logger
	fs     afero.Fs
	pages  map[string]string

	windows  []*window
	contexts map[string]*browsingContext
	timeouts wire.Timeouts
	closed   bool
	refSeq   int
}

type window struct {
	top     *browsingContext
	name    string
	history []string
	pos     int
	dialog  *dialog
	results []DialogResult
}

// DialogResult is what a resolved dialog returned to the page.
type DialogResult struct {
	Kind     string
	Text     string
	Accepted bool
	// Value is the prompt input; nil for dismissed prompts and other kinds.
	Value *string
}

type dialog struct {
	kind  string
	text  string
	def   string
	input *string
}

type browsingContext struct {
	id       string
	kind     string
	window   *window
	parent   *browsingContext
	host     *html.Node
	doc      *document
	children []*browsingContext
}

// Option configures a Browser.
type Option func(*Browser)

// WithPages seeds the page table, keyed by URL.
func WithPages(pages map[string]string) Option {
	return func(b *Browser) {
		for u, src := range pages {
			b.pages[u] = src
		}
	}
}

// WithFS serves URLs missing from the page table from fs, by path.
func WithFS(fs afero.Fs) Option {
	return func(b *Browser) { b.fs = fs }
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Browser) { b.logger = logger }
}

// New returns a Browser with a single blank window.
func New(opts ...Option) *Browser {
	b := &Browser{
		logger:   zap.NewNop(),
		pages:    make(map[string]string),
		contexts: make(map[string]*browsingContext),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("memory_browser")
	// about:blank is served from blankDoc and never touches pages or fs.
	if _, err := b.openWindow(blankURL, ""); err != nil {
		panic(fmt.Sprintf("memory browser: opening the initial window: %v", err))
	}
	return b
}

// Execute implements wire.Transport.
func (b *Browser) Execute(ctx context.Context, contextID string, cmd wire.Command, params any) (json.RawMessage, error) {
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
		result, err = b.dispatch(contextID, cmd, params)
		b.mu.Unlock()
	}
	if err != nil {
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

// Close implements wire.Transport. It is idempotent.
func (b *Browser) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown()
	return nil
}

func (b *Browser) shutdown() {
	if b.closed {
		return
	}
	b.closed = true
	for _, w := range b.windows {
		b.discard(w.top)
	}
	b.windows = nil
}

func (b *Browser) findWithImplicitWait(ctx context.Context, contextID string, params any) (any, error) {
	b.mu.Lock()
	deadline := time.Now().Add(time.Duration(b.timeouts.Implicit) * time.Millisecond)
	b.mu.Unlock()

	for {
		b.mu.Lock()
		result, err := b.dispatch(contextID, wire.CmdFindElements, params)
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

// decode copies a command's params into dst through their JSON form, the
// same way a remote endpoint would see them.
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

func (b *Browser) dispatch(contextID string, cmd wire.Command, params any) (any, error) {
	if b.closed {
		return nil, wire.Errorf(wire.CodeInvalidSessionID, "browser has been closed")
	}

	switch cmd {
	case wire.CmdQuit:
		b.shutdown()
		return nil, nil
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
			return b.tree(), nil
		}
		contextID = p.Root
	}

	c, ok := b.contexts[contextID]
	if !ok {
		return nil, wire.Errorf(wire.CodeNoSuchWindow, "no browsing context %q", contextID)
	}

	switch cmd {
	case wire.CmdGetAlert, wire.CmdAcceptAlert, wire.CmdDismissAlert, wire.CmdSendAlertText:
		return b.alertCommand(c.window, cmd, params)
	case wire.CmdCloseWindow:
		return b.closeWindow(c.window), nil
	}
	if d := c.window.dialog; d != nil {
		return nil, wire.AlertOpen(d.text)
	}

	switch cmd {
	case wire.CmdGetTree:
		return wire.TreeResult{Contexts: []wire.ContextInfo{b.info(c)}}, nil

	case wire.CmdNavigate:
		var p wire.NavigateParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		target := b.resolveURL(c, p.URL)
		if err := b.load(c, target); err != nil {
			return nil, err
		}
		if c.kind == wire.KindWindow {
			w := c.window
			w.history = append(w.history[:w.pos+1], target)
			w.pos = len(w.history) - 1
		}
		return b.info(c), nil

	case wire.CmdReload:
		if err := b.load(c, c.doc.url); err != nil {
			return nil, err
		}
		return b.info(c), nil

	case wire.CmdTraverseHistory:
		var p wire.TraverseParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		w := c.window
		if next := w.pos + p.Delta; next >= 0 && next < len(w.history) && p.Delta != 0 {
			w.pos = next
			if err := b.load(w.top, w.history[next]); err != nil {
				return nil, err
			}
		}
		return b.info(w.top), nil

	case wire.CmdGetTitle:
		return wire.StringValue{Value: c.doc.title()}, nil

	case wire.CmdGetURL:
		return wire.StringValue{Value: c.doc.url}, nil

	case wire.CmdFindElements:
		var p wire.FindParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		scope := c.doc.root
		if p.From != "" {
			n, err := c.doc.node(p.From)
			if err != nil {
				return nil, err
			}
			scope = n
		}
		nodes, err := c.doc.find(scope, p.Using, p.Value)
		if err != nil {
			return nil, err
		}
		res := wire.FindResult{Elements: make([]wire.ElementRef, 0, len(nodes))}
		for _, n := range nodes {
			res.Elements = append(res.Elements, b.ref(c.doc, n))
		}
		return res, nil

	case wire.CmdDescribeElement:
		var p wire.DescribeParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		n, err := c.doc.node(p.Element)
		if err != nil {
			return nil, err
		}
		return c.doc.describe(n), nil

	case wire.CmdActiveElement:
		n := c.doc.focus
		if n == nil || !c.doc.attached(n) {
			n = c.doc.body()
		}
		return b.ref(c.doc, n), nil

	case wire.CmdNewWindow:
		var p wire.NewWindowParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		u := blankURL
		if p.URL != "" {
			u = b.resolveURL(c, p.URL)
		}
		w, err := b.openWindow(u, p.Name)
		if err != nil {
			return nil, err
		}
		return wire.NewWindowResult{Context: w.top.id}, nil
	}

	return nil, wire.Errorf(wire.CodeUnknownCommand, "unknown command %q", cmd)
}

func (b *Browser) alertCommand(w *window, cmd wire.Command, params any) (any, error) {
	d := w.dialog
	if d == nil {
		return nil, wire.Errorf(wire.CodeNoSuchAlert, "no user prompt is open")
	}

	switch cmd {
	case wire.CmdGetAlert:
		return wire.AlertInfo{Text: d.text, Type: d.kind, Default: d.def}, nil

	case wire.CmdSendAlertText:
		if d.kind != wire.PromptPrompt {
			return nil, wire.Errorf(wire.CodeElementNotInteractable, "%s has no text input", d.kind)
		}
		var p wire.AlertTextParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		d.input = &p.Text
		return nil, nil

	case wire.CmdAcceptAlert:
		res := DialogResult{Kind: d.kind, Text: d.text, Accepted: true}
		if d.kind == wire.PromptPrompt {
			v := d.def
			if d.input != nil {
				v = *d.input
			}
			res.Value = &v
		}
		w.results = append(w.results, res)
		w.dialog = nil
		return nil, nil

	case wire.CmdDismissAlert:
		w.results = append(w.results, DialogResult{Kind: d.kind, Text: d.text})
		w.dialog = nil
		return nil, nil
	}
	return nil, wire.Errorf(wire.CodeUnknownCommand, "unknown command %q", cmd)
}

func (b *Browser) ref(doc *document, n *html.Node) wire.ElementRef {
	id := doc.ref(n, func() string {
		b.refSeq++
		return fmt.Sprintf("node-%d", b.refSeq)
	})
	return wire.ElementRef{Element: id, Document: doc.id}
}

func (b *Browser) tree() wire.TreeResult {
	res := wire.TreeResult{Contexts: make([]wire.ContextInfo, 0, len(b.windows))}
	for _, w := range b.windows {
		res.Contexts = append(res.Contexts, b.info(w.top))
	}
	return res
}

func (b *Browser) info(c *browsingContext) wire.ContextInfo {
	info := wire.ContextInfo{
		Context:  c.id,
		Kind:     c.kind,
		URL:      c.doc.url,
		Title:    c.doc.title(),
		Document: c.doc.id,
	}
	if c.parent == nil {
		info.Name = c.window.name
	} else {
		info.Parent = c.parent.id
		info.Name, _ = attr(c.host, "name")
		info.HostID, _ = attr(c.host, "id")
		info.Host = b.ref(c.parent.doc, c.host).Element
	}
	for _, child := range c.children {
		info.Children = append(info.Children, b.info(child))
	}
	return info
}

func (b *Browser) openWindow(u, name string) (*window, error) {
	w := &window{name: name, history: []string{u}}
	w.top = &browsingContext{id: uuid.NewString(), kind: wire.KindWindow, window: w}
	b.contexts[w.top.id] = w.top
	if err := b.load(w.top, u); err != nil {
		delete(b.contexts, w.top.id)
		return nil, err
	}
	b.windows = append(b.windows, w)
	b.logger.Debug("Window opened.", zap.String("context", w.top.id), zap.String("url", u), zap.String("name", name))
	return w, nil
}

func (b *Browser) closeWindow(w *window) wire.CloseWindowResult {
	b.discard(w.top)
	w.dialog = nil
	remaining := make([]string, 0, len(b.windows))
	kept := b.windows[:0]
	for _, other := range b.windows {
		if other != w {
			kept = append(kept, other)
			remaining = append(remaining, other.top.id)
		}
	}
	b.windows = kept
	return wire.CloseWindowResult{Remaining: remaining}
}

// load replaces c's document and rebuilds its frames.
func (b *Browser) load(c *browsingContext, u string) error {
	src, err := b.source(u)
	if err != nil {
		return err
	}
	return b.loadSource(c, u, src, 0)
}

func (b *Browser) loadSource(c *browsingContext, u, src string, depth int) error {
	doc, err := parseDocument(u, src)
	if err != nil {
		return wire.Errorf(wire.CodeUnknownError, "%v", err)
	}
	for _, child := range c.children {
		b.discard(child)
	}
	c.children = nil
	c.doc = doc
	b.syncFrames(c, depth)
	return nil
}

// syncFrames reconciles c's child contexts with the frame elements now in
// its document: frames whose host element is gone are discarded, new hosts
// get a freshly loaded context.
func (b *Browser) syncFrames(c *browsingContext, depth int) {
	hosts := c.doc.frameHosts()
	existing := make(map[*html.Node]*browsingContext, len(c.children))
	for _, child := range c.children {
		existing[child.host] = child
	}

	children := make([]*browsingContext, 0, len(hosts))
	if depth < maxFrameDepth {
		for _, host := range hosts {
			if child, ok := existing[host]; ok {
				delete(existing, host)
				children = append(children, child)
				continue
			}
			child := &browsingContext{
				id:     uuid.NewString(),
				kind:   strings.ToLower(host.Data),
				window: c.window,
				parent: c,
				host:   host,
			}
			u, src := b.frameSource(c, host)
			if err := b.loadSource(child, u, src, depth+1); err != nil {
				b.logger.Warn("Frame failed to load.", zap.String("url", u), zap.Error(err))
				continue
			}
			b.contexts[child.id] = child
			children = append(children, child)
		}
	}
	for _, gone := range existing {
		b.discard(gone)
	}
	c.children = children
}

func (b *Browser) frameSource(parent *browsingContext, host *html.Node) (string, string) {
	if srcdoc, ok := attr(host, "srcdoc"); ok {
		return "about:srcdoc", srcdoc
	}
	src, _ := attr(host, "src")
	if src == "" {
		return blankURL, blankDoc
	}
	u := b.resolveURL(parent, src)
	body, err := b.source(u)
	if err != nil {
		return u, blankDoc
	}
	return u, body
}

// discard removes c and its descendants from the context table.
func (b *Browser) discard(c *browsingContext) {
	for _, child := range c.children {
		b.discard(child)
	}
	c.children = nil
	delete(b.contexts, c.id)
}

func (b *Browser) resolveURL(base *browsingContext, ref string) string {
	if base == nil || base.doc == nil {
		return ref
	}
	baseURL, err := url.Parse(base.doc.url)
	if err != nil || baseURL.Scheme == "about" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(r).String()
}

// source looks u up in the page table, then on the filesystem.
func (b *Browser) source(u string) (string, error) {
	if u == blankURL {
		return blankDoc, nil
	}
	if src, ok := b.pages[u]; ok {
		return src, nil
	}
	if b.fs != nil {
		for _, candidate := range fsCandidates(u) {
			data, err := afero.ReadFile(b.fs, candidate)
			if err == nil {
				return string(data), nil
			}
		}
	}
	return "", wire.Errorf(wire.CodeUnknownError, "page %q not found", u)
}

func fsCandidates(u string) []string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Path == "" {
		return []string{u}
	}
	p := parsed.Path
	if p == "/" || strings.HasSuffix(p, "/") {
		p = path.Join(p, "index.html")
	}
	out := []string{p, strings.TrimPrefix(p, "/")}
	if parsed.Host != "" {
		out = append(out, path.Join(parsed.Host, p))
	}
	return out
}
