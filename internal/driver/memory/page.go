// internal/driver/memory/page.go
package memory

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// The methods in this file act from the page's side, the way scripts and
// user gestures would. Context ids are the same ids the transport reports.

// AddPage registers src under url.
func (b *Browser) AddPage(url, src string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = src
}

// OpenWindow opens a new top window as window.open(url, name) would and
// returns its id. An existing window with the same name is navigated instead.
func (b *Browser) OpenWindow(url, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", fmt.Errorf("browser has been closed")
	}
	if name != "" {
		for _, w := range b.windows {
			if w.name == name {
				if err := b.load(w.top, url); err != nil {
					return "", err
				}
				return w.top.id, nil
			}
		}
	}
	w, err := b.openWindow(url, name)
	if err != nil {
		return "", err
	}
	return w.top.id, nil
}

// CloseWindow closes the window owning contextID, as window.close() would.
func (b *Browser) CloseWindow(contextID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.context(contextID)
	if err != nil {
		return err
	}
	b.closeWindow(c.window)
	return nil
}

// Navigate points contextID at url. Unlike the navigate command it works on
// frames too, and ignores any open dialog.
func (b *Browser) Navigate(contextID, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.context(contextID)
	if err != nil {
		return err
	}
	return b.load(c, b.resolveURL(c, url))
}

// RaiseDialog opens a native dialog over the window owning contextID. kind is
// one of the wire.Prompt* types; def is the prompt's default value.
func (b *Browser) RaiseDialog(contextID, kind, text, def string) error {
	switch kind {
	case wire.PromptAlert, wire.PromptConfirm, wire.PromptPrompt, wire.PromptBeforeUnload:
	default:
		return fmt.Errorf("unknown dialog kind %q", kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.context(contextID)
	if err != nil {
		return err
	}
	if c.window.dialog != nil {
		return fmt.Errorf("window %s already shows a dialog", c.window.top.id)
	}
	c.window.dialog = &dialog{kind: kind, text: text, def: def}
	return nil
}

// DialogResults lists what each resolved dialog in the window owning
// contextID returned to the page, oldest first.
func (b *Browser) DialogResults(contextID string) ([]DialogResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.context(contextID)
	if err != nil {
		return nil, err
	}
	return append([]DialogResult(nil), c.window.results...), nil
}

// RemoveNode detaches every element matching css in contextID's document.
// Frames hosted by removed elements are discarded.
func (b *Browser) RemoveNode(contextID, css string) error {
	return b.mutate(contextID, css, func(sel *goquery.Selection) {
		sel.Remove()
	})
}

// AppendHTML appends an HTML fragment to every element matching css.
func (b *Browser) AppendHTML(contextID, css, fragment string) error {
	return b.mutate(contextID, css, func(sel *goquery.Selection) {
		sel.AppendHtml(fragment)
	})
}

// SetAttr sets an attribute on every element matching css.
func (b *Browser) SetAttr(contextID, css, key, value string) error {
	return b.mutate(contextID, css, func(sel *goquery.Selection) {
		sel.SetAttr(key, value)
	})
}

// Focus gives focus to the first element matching css.
func (b *Browser) Focus(contextID, css string) error {
	return b.mutate(contextID, css, func(sel *goquery.Selection) {
		sel.First().Each(func(_ int, s *goquery.Selection) {
			b.contexts[contextID].doc.focus = s.Get(0)
		})
	})
}

// SetTitle replaces the document title of contextID.
func (b *Browser) SetTitle(contextID, title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.context(contextID)
	if err != nil {
		return err
	}
	c.doc.setTitle(title)
	return nil
}

// Frames lists the child context ids of contextID in document order.
func (b *Browser) Frames(contextID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.context(contextID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(c.children))
	for _, child := range c.children {
		ids = append(ids, child.id)
	}
	return ids, nil
}

func (b *Browser) mutate(contextID, css string, fn func(*goquery.Selection)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.context(contextID)
	if err != nil {
		return err
	}
	sel := c.doc.selection().Find(css)
	if sel.Length() == 0 {
		return fmt.Errorf("no element matches %q in %s", css, contextID)
	}
	fn(sel)
	b.syncFrames(c, depthOf(c))
	return nil
}

func (b *Browser) context(contextID string) (*browsingContext, error) {
	if b.closed {
		return nil, fmt.Errorf("browser has been closed")
	}
	c, ok := b.contexts[contextID]
	if !ok {
		return nil, fmt.Errorf("no browsing context %q", contextID)
	}
	return c, nil
}

func depthOf(c *browsingContext) int {
	depth := 0
	for p := c.parent; p != nil; p = p.parent {
		depth++
	}
	return depth
}

// Dump renders contextID's current document, for debugging tests.
func (b *Browser) Dump(contextID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.context(contextID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := html.Render(&sb, c.doc.root); err != nil {
		return "", err
	}
	return sb.String(), nil
}
