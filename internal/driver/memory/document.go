// internal/driver/memory/document.go
package memory

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// document is one loaded HTML document. Node references are handed out
// lazily and stay valid for as long as the node is attached.
type document struct {
	id    string
	url   string
	root  *html.Node
	refs  map[*html.Node]string
	nodes map[string]*html.Node
	focus *html.Node
}

func parseDocument(url, src string) (*document, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document for %s: %w", url, err)
	}
	return &document{
		id:    uuid.NewString(),
		url:   url,
		root:  root,
		refs:  make(map[*html.Node]string),
		nodes: make(map[string]*html.Node),
	}, nil
}

func (d *document) selection() *goquery.Selection {
	return goquery.NewDocumentFromNode(d.root).Selection
}

// ref returns the stable reference for n, minting one on first sight.
func (d *document) ref(n *html.Node, mint func() string) string {
	if r, ok := d.refs[n]; ok {
		return r
	}
	r := mint()
	d.refs[n] = r
	d.nodes[r] = n
	return r
}

// node resolves a reference minted by this document. Detached nodes are
// reported as stale just like references from another document.
func (d *document) node(ref string) (*html.Node, error) {
	n, ok := d.nodes[ref]
	if !ok || !d.attached(n) {
		return nil, wire.Errorf(wire.CodeStaleElementReference, "element %s is not attached to the current document", ref)
	}
	return n, nil
}

func (d *document) attached(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

func (d *document) title() string {
	return normalizeSpace(d.selection().Find("title").First().Text())
}

func (d *document) setTitle(title string) {
	sel := d.selection().Find("title").First()
	if sel.Length() == 0 {
		d.selection().Find("head").First().AppendHtml("<title></title>")
		sel = d.selection().Find("title").First()
	}
	sel.SetText(title)
}

func (d *document) body() *html.Node {
	if n := d.selection().Find("body").First(); n.Length() > 0 {
		return n.Get(0)
	}
	return d.root
}

// frameHosts returns the frame and iframe elements of this document in
// document order. Frames nested in other frames live in their own documents.
func (d *document) frameHosts() []*html.Node {
	return d.selection().Find("frame, iframe").Nodes
}

// find resolves a normalized locator among the descendants of scope, which is
// the document root unless the search starts from an element.
func (d *document) find(scope *html.Node, using, value string) ([]*html.Node, error) {
	sel := goquery.NewDocumentFromNode(scope).Selection

	switch using {
	case wire.UsingCSS:
		matcher, err := cascadia.Compile(value)
		if err != nil {
			return nil, wire.Errorf(wire.CodeInvalidSelector, "%v", err)
		}
		return sel.FindMatcher(matcher).Nodes, nil

	case wire.UsingTagName:
		return sel.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.EqualFold(goquery.NodeName(s), value)
		}).Nodes, nil

	case wire.UsingLinkText, wire.UsingPartialLinkText:
		partial := using == wire.UsingPartialLinkText
		return sel.Find("a").FilterFunction(func(_ int, s *goquery.Selection) bool {
			text := normalizeSpace(s.Text())
			if partial {
				return strings.Contains(text, value)
			}
			return text == value
		}).Nodes, nil

	case wire.UsingXPath:
		return evalXPath(scope, value)
	}
	return nil, wire.Errorf(wire.CodeInvalidArgument, "unsupported locator strategy %q", using)
}

func evalXPath(scope *html.Node, expr string) (nodes []*html.Node, err error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, wire.Errorf(wire.CodeInvalidSelector, "%v", err)
	}
	defer func() {
		if r := recover(); r != nil {
			nodes, err = nil, wire.Errorf(wire.CodeInvalidSelector, "evaluating %q: %v", expr, r)
		}
	}()

	iter, ok := compiled.Evaluate(htmlquery.CreateXPathNavigator(scope)).(*xpath.NodeIterator)
	if !ok {
		return nil, wire.Errorf(wire.CodeInvalidSelector, "%q does not select elements", expr)
	}
	for iter.MoveNext() {
		nav := iter.Current()
		if nav.NodeType() != xpath.ElementNode {
			return nil, wire.Errorf(wire.CodeInvalidSelector, "%q selects a non-element node", expr)
		}
		nodes = append(nodes, nav.(*htmlquery.NodeNavigator).Current())
	}
	return nodes, nil
}

func (d *document) describe(n *html.Node) wire.ElementDescription {
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	return wire.ElementDescription{
		Tag:        strings.ToLower(n.Data),
		Text:       normalizeSpace(goquery.NewDocumentFromNode(n).Text()),
		Attributes: attrs,
		Displayed:  displayed(n),
		Path:       nodePath(n),
	}
}

var invisibleTags = map[string]bool{
	"head": true, "script": true, "style": true, "template": true,
	"title": true, "meta": true, "link": true, "noscript": true,
}

// displayed is a layout-free approximation: an element is hidden if it or an
// ancestor is non-rendering, carries the hidden attribute or hides itself
// with an inline style.
func displayed(n *html.Node) bool {
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		tag := strings.ToLower(p.Data)
		if invisibleTags[tag] {
			return false
		}
		if _, hidden := attr(p, "hidden"); hidden {
			return false
		}
		if t, _ := attr(p, "type"); tag == "input" && strings.EqualFold(t, "hidden") {
			return false
		}
		style, _ := attr(p, "style")
		style = strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(style, "display:none") || (p == n && strings.Contains(style, "visibility:hidden")) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// nodePath builds an XPath for n, anchored at the nearest ancestor with an id.
func nodePath(node *html.Node) string {
	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if id := htmlquery.SelectAttr(n, "id"); id != "" {
			path = append(path, fmt.Sprintf(`//*[@id='%s']`, id))
			break
		}
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}
	if len(path) == 0 {
		return "/"
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	out := strings.Join(path, "/")
	if !strings.HasPrefix(out, "//") {
		out = "/" + out
	}
	return out
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
