// internal/driver/locator.go
package driver

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// Strategy is the lookup mechanism of a Locator.
type Strategy string

const (
	StrategyID              Strategy = "id"
	StrategyName            Strategy = "name"
	StrategyClassName       Strategy = "class name"
	StrategyTagName         Strategy = "tag name"
	StrategyLinkText        Strategy = "link text"
	StrategyPartialLinkText Strategy = "partial link text"
	StrategyCSSSelector     Strategy = "css selector"
	StrategyXPath           Strategy = "xpath"
)

// Locator is an immutable (strategy, value) pair used to resolve elements
// inside a single browsing context.
type Locator struct {
	Strategy Strategy
	Value    string
}

func ByID(id string) Locator                { return Locator{StrategyID, id} }
func ByName(name string) Locator            { return Locator{StrategyName, name} }
func ByClassName(class string) Locator      { return Locator{StrategyClassName, class} }
func ByTagName(tag string) Locator          { return Locator{StrategyTagName, tag} }
func ByLinkText(text string) Locator        { return Locator{StrategyLinkText, text} }
func ByPartialLinkText(text string) Locator { return Locator{StrategyPartialLinkText, text} }
func ByCSSSelector(sel string) Locator      { return Locator{StrategyCSSSelector, sel} }
func ByXPath(expr string) Locator           { return Locator{StrategyXPath, expr} }

func (l Locator) String() string {
	return fmt.Sprintf("By.%s: %s", l.Strategy, l.Value)
}

// Validate reports whether the locator is well formed, without talking to a
// browser.
func (l Locator) Validate() error {
	_, _, err := l.query()
	return err
}

// query normalizes the locator into a strategy every transport understands.
// Attribute based strategies become CSS selectors the way W3C clients do.
func (l Locator) query() (using, value string, err error) {
	if l.Value == "" && l.Strategy != StrategyLinkText {
		return "", "", l.invalid("empty selector")
	}

	switch l.Strategy {
	case StrategyID:
		return wire.UsingCSS, "#" + cssEscape(l.Value), nil
	case StrategyName:
		return wire.UsingCSS, `*[name="` + cssString(l.Value) + `"]`, nil
	case StrategyClassName:
		if strings.IndexFunc(l.Value, unicode.IsSpace) >= 0 {
			return "", "", l.invalid("compound class names are not permitted")
		}
		return wire.UsingCSS, "." + cssEscape(l.Value), nil
	case StrategyTagName:
		return wire.UsingTagName, l.Value, nil
	case StrategyLinkText:
		return wire.UsingLinkText, l.Value, nil
	case StrategyPartialLinkText:
		return wire.UsingPartialLinkText, l.Value, nil
	case StrategyCSSSelector:
		if _, err := cascadia.ParseGroup(l.Value); err != nil {
			return "", "", l.invalid("%v", err)
		}
		return wire.UsingCSS, l.Value, nil
	case StrategyXPath:
		if err := checkXPath(l.Value); err != nil {
			return "", "", l.invalid("%v", err)
		}
		return wire.UsingXPath, l.Value, nil
	}
	return "", "", l.invalid("unknown strategy %q", string(l.Strategy))
}

func (l Locator) invalid(format string, args ...any) *Error {
	loc := l
	return &Error{Kind: InvalidSelector, Op: "locate", Locator: &loc, Err: fmt.Errorf(format, args...)}
}

// emptyDocument is the navigator root used for static XPath result typing.
var emptyDocument = sync.OnceValue(func() *html.Node {
	doc, err := html.Parse(strings.NewReader("<html><head></head><body></body></html>"))
	if err != nil {
		panic(fmt.Sprintf("parse empty document: %v", err))
	}
	return doc
})

// checkXPath compiles expr and evaluates it once against an empty document.
// Expressions such as count(//a) compile fine but never yield elements.
func checkXPath(expr string) (err error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluating %q: %v", expr, r)
		}
	}()
	switch res := compiled.Evaluate(htmlquery.CreateXPathNavigator(emptyDocument())).(type) {
	case *xpath.NodeIterator:
		return nil
	default:
		return fmt.Errorf("expression evaluates to %T, not a node-set", res)
	}
}

// cssEscape follows the CSSOM serialize-an-identifier algorithm.
func cssEscape(ident string) string {
	runes := []rune(ident)
	var b strings.Builder
	for i, r := range runes {
		switch {
		case r == 0:
			b.WriteRune('\uFFFD')
		case (r >= 0x01 && r <= 0x1f) || r == 0x7f,
			i == 0 && r >= '0' && r <= '9',
			i == 1 && r >= '0' && r <= '9' && runes[0] == '-':
			fmt.Fprintf(&b, "\\%x ", r)
		case i == 0 && r == '-' && len(runes) == 1:
			b.WriteString(`\-`)
		case r >= 0x80 || r == '-' || r == '_' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		default:
			b.WriteRune('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cssString(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
