// internal/driver/navigator.go
package driver

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

type frameRefKind int

const (
	frameByIndex frameRefKind = iota
	frameByName
	frameByElement
)

// FrameRef identifies a child frame of the current context.
type FrameRef struct {
	kind    frameRefKind
	index   int
	name    string
	element ElementHandle
}

// FrameIndex selects the i-th frame or iframe in document order.
func FrameIndex(i int) FrameRef { return FrameRef{kind: frameByIndex, index: i} }

// FrameName selects a frame by its name attribute, falling back to its id.
func FrameName(name string) FrameRef { return FrameRef{kind: frameByName, name: name} }

// FrameElement selects the frame hosted by a frame or iframe element that was
// resolved in the current context.
func FrameElement(h ElementHandle) FrameRef { return FrameRef{kind: frameByElement, element: h} }

func (r FrameRef) String() string {
	switch r.kind {
	case frameByIndex:
		return "index " + strconv.Itoa(r.index)
	case frameByName:
		return strconv.Quote(r.name)
	}
	return r.element.String()
}

// refreshWindows reloads the full window set and drops windows the transport
// no longer reports.
func (s *Session) refreshWindows(ctx context.Context, op string) error {
	var res wire.TreeResult
	if err := s.execute(ctx, op, "", wire.CmdGetTree, wire.TreeParams{}, &res); err != nil {
		return err
	}
	s.tree.syncWindows(res.Contexts)
	if s.alert != nil {
		if _, ok := s.tree.live(s.alert.window); !ok {
			s.clearAlert(s.alert.window)
		}
	}
	return nil
}

// refreshContext reloads the subtree rooted at id, so frames inserted or
// removed by script since the last look are accounted for.
func (s *Session) refreshContext(ctx context.Context, op string, id ContextID) error {
	var res wire.TreeResult
	if err := s.execute(ctx, op, id, wire.CmdGetTree, wire.TreeParams{Root: string(id)}, &res); err != nil {
		return err
	}
	if len(res.Contexts) == 0 {
		s.forget(id)
		return newError(NoSuchWindow, op, id, "browsing context is no longer open")
	}
	parent := ContextID("")
	if c := s.tree.lookup(id); c != nil {
		parent = c.Parent
	}
	s.tree.apply(res.Contexts[0], parent)
	return nil
}

// syncDocument reloads the subtree of id when the transport answered from a
// document the tree has not seen yet, which happens when a page navigates a
// frame by itself.
func (s *Session) syncDocument(ctx context.Context, op string, id ContextID, doc string) error {
	c, ok := s.tree.live(id)
	if !ok || doc == "" || c.Document == doc {
		return nil
	}
	s.logger.Debug("Document changed underneath.", zap.String("context", string(id)))
	return s.refreshContext(ctx, op, id)
}

// SwitchToFrame moves current into one of its own child frames. Frames of
// sibling or ancestor contexts are never considered.
func (s *Session) SwitchToFrame(ctx context.Context, ref FrameRef) error {
	const op = "switchToFrame"

	cur, err := s.currentLive(op)
	if err != nil {
		return err
	}
	if ref.kind == frameByElement {
		if err := s.checkHandle(op, ref.element); err != nil {
			return err
		}
		if ref.element.Owner != cur.ID {
			return newError(NoSuchFrame, op, cur.ID, "%s was not resolved in the current context", ref.element)
		}
	}

	if err := s.refreshContext(ctx, op, cur.ID); err != nil {
		return err
	}
	cur, ok := s.tree.live(cur.ID)
	if !ok {
		return newError(NoSuchWindow, op, s.current, "current browsing context is no longer open")
	}
	if ref.kind == frameByElement && cur.Document != ref.element.Document {
		return newError(StaleElementReference, op, cur.ID, "%s: owning browsing context has navigated", ref.element)
	}

	target, found := s.matchFrame(cur, ref)
	if !found {
		return newError(NoSuchFrame, op, cur.ID, "no frame matching %s", ref)
	}

	s.logger.Debug("Switched to frame.",
		zap.String("from", string(cur.ID)),
		zap.String("to", string(target)),
		zap.Stringer("ref", ref))
	s.current = target
	return nil
}

func (s *Session) matchFrame(cur *BrowsingContext, ref FrameRef) (ContextID, bool) {
	var live []*BrowsingContext
	for _, id := range cur.Children {
		if c, ok := s.tree.live(id); ok {
			live = append(live, c)
		}
	}

	switch ref.kind {
	case frameByIndex:
		if ref.index >= 0 && ref.index < len(live) {
			return live[ref.index].ID, true
		}
	case frameByName:
		for _, c := range live {
			if c.Name == ref.name {
				return c.ID, true
			}
		}
		for _, c := range live {
			if c.HostID == ref.name {
				return c.ID, true
			}
		}
	case frameByElement:
		for _, c := range live {
			if c.Host == ref.element.ID {
				return c.ID, true
			}
		}
	}
	return "", false
}

// SwitchToParentFrame moves current to its parent. At a top window it does
// nothing. A frame that has been removed may still step out to its parent as
// long as the parent is open.
func (s *Session) SwitchToParentFrame(ctx context.Context) error {
	const op = "switchToParentFrame"
	if err := s.gate(ctx, op); err != nil {
		return err
	}

	c := s.tree.lookup(s.current)
	if c == nil {
		return newError(NoSuchWindow, op, s.current, "unknown browsing context")
	}
	if c.Kind == TopWindow {
		if c.destroyed {
			return newError(NoSuchWindow, op, c.ID, "window is closed")
		}
		return nil
	}
	parent, ok := s.tree.live(c.Parent)
	if !ok {
		return newError(NoSuchWindow, op, c.Parent, "parent browsing context is no longer open")
	}
	s.current = parent.ID
	return nil
}

// SwitchToDefaultContent moves current to the top window that owns it.
func (s *Session) SwitchToDefaultContent(ctx context.Context) error {
	const op = "switchToDefaultContent"
	if err := s.gate(ctx, op); err != nil {
		return err
	}
	top := s.tree.topOf(s.current)
	if top == nil || top.destroyed {
		return newError(NoSuchWindow, op, s.current, "window owning the current context is closed")
	}
	s.current = top.ID
	return nil
}

// SwitchToWindow makes a top window current, matching handles before names.
func (s *Session) SwitchToWindow(ctx context.Context, handleOrName string) error {
	const op = "switchToWindow"
	if err := s.refreshWindows(ctx, op); err != nil {
		return err
	}

	target := ContextID("")
	for _, id := range s.tree.windows {
		if string(id) == handleOrName {
			target = id
			break
		}
	}
	if target == "" && handleOrName != "" {
		for _, id := range s.tree.windows {
			if c, ok := s.tree.live(id); ok && c.Name == handleOrName {
				target = id
				break
			}
		}
	}
	if target == "" {
		return newError(NoSuchWindow, op, ContextID(handleOrName), "no open window with handle or name %q", handleOrName)
	}

	s.logger.Debug("Switched window.", zap.String("window", string(target)))
	s.current = target
	return nil
}

// WindowHandles returns exactly the open top windows.
func (s *Session) WindowHandles(ctx context.Context) ([]ContextID, error) {
	if err := s.refreshWindows(ctx, "windowHandles"); err != nil {
		return nil, err
	}
	return append([]ContextID(nil), s.tree.windows...), nil
}

// NewWindow opens a new top window, optionally named and loaded with url. The
// current context does not change.
func (s *Session) NewWindow(ctx context.Context, url, name string) (ContextID, error) {
	const op = "newWindow"
	top, err := s.currentTop(op)
	if err != nil {
		return "", err
	}

	var res wire.NewWindowResult
	params := wire.NewWindowParams{URL: url, Name: name, Type: "window"}
	if err := s.execute(ctx, op, top.ID, wire.CmdNewWindow, params, &res); err != nil {
		return "", err
	}
	if err := s.refreshWindows(ctx, op); err != nil {
		return "", err
	}
	id := ContextID(res.Context)
	if _, ok := s.tree.live(id); !ok {
		return "", &Error{Kind: Unknown, Op: op, Context: id, Err: fmt.Errorf("transport did not report the new window")}
	}
	return id, nil
}

// CloseWindow closes the window owning the current context and returns the
// handles left open. Current is left pointing at the closed window until the
// caller switches.
func (s *Session) CloseWindow(ctx context.Context) ([]ContextID, error) {
	const op = "closeWindow"
	top, err := s.currentTop(op)
	if err != nil {
		return nil, err
	}

	var res wire.CloseWindowResult
	if err := s.execute(ctx, op, top.ID, wire.CmdCloseWindow, nil, &res); err != nil {
		return nil, err
	}
	s.tree.destroy(top.ID)
	s.clearAlert(top.ID)

	remaining := make(map[ContextID]bool, len(res.Remaining))
	for _, id := range res.Remaining {
		remaining[ContextID(id)] = true
	}
	for _, id := range append([]ContextID(nil), s.tree.windows...) {
		if !remaining[id] {
			s.tree.destroy(id)
		}
	}

	s.logger.Info("Closed window.", zap.String("window", string(top.ID)), zap.Int("remaining", len(s.tree.windows)))
	return append([]ContextID(nil), s.tree.windows...), nil
}
