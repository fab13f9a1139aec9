// internal/driver/tree.go
package driver

import (
	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// ContextID is the transport's opaque identifier for a browsing context. For
// top windows it doubles as the window handle.
type ContextID string

// ContextKind distinguishes top windows from nested frames.
type ContextKind int

const (
	TopWindow ContextKind = iota
	Frame
	Iframe
)

func (k ContextKind) String() string {
	switch k {
	case TopWindow:
		return "window"
	case Frame:
		return "frame"
	case Iframe:
		return "iframe"
	}
	return "unknown"
}

func kindFromWire(kind string) ContextKind {
	switch kind {
	case wire.KindFrame:
		return Frame
	case wire.KindIframe:
		return Iframe
	}
	return TopWindow
}

// BrowsingContext is one node of the context tree. Values handed out by the
// Session are snapshots; the arena keeps its own copies.
type BrowsingContext struct {
	ID       ContextID
	Kind     ContextKind
	Parent   ContextID
	Children []ContextID
	// Name is the window name for top windows and the name attribute for frames.
	Name string
	// HostID is the id attribute of the hosting frame element.
	HostID string
	// Host is the element reference of the hosting frame element.
	Host     string
	URL      string
	Title    string
	Document string

	destroyed bool
}

// Destroyed reports whether the context has been closed or unloaded.
func (c BrowsingContext) Destroyed() bool { return c.destroyed }

func (c *BrowsingContext) snapshot() BrowsingContext {
	out := *c
	out.Children = append([]ContextID(nil), c.Children...)
	return out
}

// contextTree is an arena of browsing contexts. Links between nodes are ids,
// so destroying a subtree only flips flags and unlinks it from its parent.
// Destroyed nodes stay in the arena so stale ids still resolve to something
// that can be reported.
type contextTree struct {
	nodes   map[ContextID]*BrowsingContext
	windows []ContextID
}

func newContextTree() *contextTree {
	return &contextTree{nodes: make(map[ContextID]*BrowsingContext)}
}

// lookup returns the node for id, destroyed or not.
func (t *contextTree) lookup(id ContextID) *BrowsingContext {
	return t.nodes[id]
}

// live returns the node for id only if it has not been destroyed.
func (t *contextTree) live(id ContextID) (*BrowsingContext, bool) {
	c, ok := t.nodes[id]
	if !ok || c.destroyed {
		return nil, false
	}
	return c, true
}

// topOf walks parent links up to the owning top window. Destroyed ancestors
// are traversed so a dangling frame still knows its window.
func (t *contextTree) topOf(id ContextID) *BrowsingContext {
	c := t.nodes[id]
	for c != nil && c.Kind != TopWindow {
		c = t.nodes[c.Parent]
	}
	return c
}

// destroy marks id and its descendants destroyed and unlinks id from its
// parent or from the window list.
func (t *contextTree) destroy(id ContextID) {
	c, ok := t.nodes[id]
	if !ok || c.destroyed {
		return
	}
	if parent, ok := t.nodes[c.Parent]; ok {
		parent.Children = removeID(parent.Children, id)
	}
	if c.Kind == TopWindow {
		t.windows = removeID(t.windows, id)
	}
	t.destroySubtree(c)
}

func (t *contextTree) destroySubtree(c *BrowsingContext) {
	c.destroyed = true
	for _, child := range c.Children {
		if cc, ok := t.nodes[child]; ok {
			t.destroySubtree(cc)
		}
	}
	c.Children = nil
}

// apply merges a transport description of a context, children included, into
// the arena. A changed document means the context navigated: every previous
// child is destroyed before the new ones are linked.
func (t *contextTree) apply(info wire.ContextInfo, parent ContextID) *BrowsingContext {
	id := ContextID(info.Context)
	c, ok := t.nodes[id]
	if !ok || c.destroyed {
		c = &BrowsingContext{ID: id}
		t.nodes[id] = c
	} else if c.Document != info.Document {
		for _, child := range c.Children {
			if cc, ok := t.nodes[child]; ok {
				t.destroySubtree(cc)
			}
		}
		c.Children = nil
	}

	c.Kind = kindFromWire(info.Kind)
	c.Parent = parent
	if c.Kind == TopWindow {
		c.Parent = ""
	}
	c.Name = info.Name
	c.HostID = info.HostID
	c.Host = info.Host
	c.URL = info.URL
	c.Title = info.Title
	c.Document = info.Document

	seen := make(map[ContextID]bool, len(info.Children))
	children := make([]ContextID, 0, len(info.Children))
	for _, ci := range info.Children {
		child := t.apply(ci, id)
		seen[child.ID] = true
		children = append(children, child.ID)
	}
	for _, old := range c.Children {
		if !seen[old] {
			if cc, ok := t.nodes[old]; ok {
				t.destroySubtree(cc)
			}
		}
	}
	c.Children = children
	return c
}

// syncWindows replaces the window set with what the transport reports. Any
// window missing from infos is destroyed.
func (t *contextTree) syncWindows(infos []wire.ContextInfo) {
	seen := make(map[ContextID]bool, len(infos))
	windows := make([]ContextID, 0, len(infos))
	for _, info := range infos {
		c := t.apply(info, "")
		seen[c.ID] = true
		windows = append(windows, c.ID)
	}
	for _, id := range t.windows {
		if !seen[id] {
			if c, ok := t.nodes[id]; ok {
				t.destroySubtree(c)
			}
		}
	}
	t.windows = windows
}

// snapshotTree returns a copy of every live context keyed by id.
func (t *contextTree) snapshotTree() map[ContextID]BrowsingContext {
	out := make(map[ContextID]BrowsingContext)
	var walk func(id ContextID)
	walk = func(id ContextID) {
		c, ok := t.live(id)
		if !ok {
			return
		}
		out[id] = c.snapshot()
		for _, child := range c.Children {
			walk(child)
		}
	}
	for _, w := range t.windows {
		walk(w)
	}
	return out
}

func removeID(ids []ContextID, id ContextID) []ContextID {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
