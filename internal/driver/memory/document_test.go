// internal/driver/memory/document_test.go
package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

const sample = `<html><head><title> Sample
	Page </title><style>p{}</style></head><body>
	<div id="main">
		<p class="a">first <b>bold</b></p>
		<p class="a b" hidden>second</p>
		<a href="/x">Read   more</a>
		<section><p>third</p></section>
	</div>
	<input type="hidden" name="token">
	<span style="visibility: hidden">ghost</span>
	<div style="display:none"><span id="inner">inner</span></div>
</body></html>`

func mustParse(t *testing.T) *document {
	t.Helper()
	doc, err := parseDocument("http://test/sample", sample)
	require.NoError(t, err)
	return doc
}

func TestDocumentFind(t *testing.T) {
	doc := mustParse(t)

	tests := []struct {
		name  string
		using string
		value string
		want  int
	}{
		{"css", wire.UsingCSS, "p.a", 2},
		{"css descendant", wire.UsingCSS, "#main section p", 1},
		{"tag is case insensitive", wire.UsingTagName, "P", 3},
		{"link text is whitespace normalized", wire.UsingLinkText, "Read more", 1},
		{"partial link text", wire.UsingPartialLinkText, "more", 1},
		{"xpath", wire.UsingXPath, "//div[@id='main']/p", 2},
		{"xpath without match", wire.UsingXPath, "//table", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes, err := doc.find(doc.root, tt.using, tt.value)
			require.NoError(t, err)
			assert.Len(t, nodes, tt.want)
		})
	}

	t.Run("scoped to a subtree", func(t *testing.T) {
		sections, err := doc.find(doc.root, wire.UsingTagName, "section")
		require.NoError(t, err)
		require.Len(t, sections, 1)

		nodes, err := doc.find(sections[0], wire.UsingCSS, "p")
		require.NoError(t, err)
		assert.Len(t, nodes, 1)

		nodes, err = doc.find(sections[0], wire.UsingXPath, ".//p")
		require.NoError(t, err)
		assert.Len(t, nodes, 1)
	})

	t.Run("invalid selectors", func(t *testing.T) {
		for _, q := range []struct{ using, value string }{
			{wire.UsingCSS, "p["},
			{wire.UsingXPath, "//p["},
			{wire.UsingXPath, "count(//p)"},
			{wire.UsingXPath, "//p/@class"},
		} {
			_, err := doc.find(doc.root, q.using, q.value)
			we, ok := wire.AsError(err)
			require.True(t, ok, "%s %q: got %v", q.using, q.value, err)
			assert.Equal(t, wire.CodeInvalidSelector, we.Code)
		}
	})
}

func TestDocumentRefs(t *testing.T) {
	doc := mustParse(t)
	seq := 0
	mint := func() string {
		seq++
		return fmt.Sprintf("node-%d", seq)
	}

	nodes, err := doc.find(doc.root, wire.UsingCSS, "p")
	require.NoError(t, err)

	first := doc.ref(nodes[0], mint)
	assert.Equal(t, first, doc.ref(nodes[0], mint), "a node keeps its reference")
	assert.NotEqual(t, first, doc.ref(nodes[1], mint))

	n, err := doc.node(first)
	require.NoError(t, err)
	assert.Same(t, nodes[0], n)

	nodes[0].Parent.RemoveChild(nodes[0])
	_, err = doc.node(first)
	we, ok := wire.AsError(err)
	require.True(t, ok)
	assert.Equal(t, wire.CodeStaleElementReference, we.Code)

	_, err = doc.node("node-from-elsewhere")
	assert.Error(t, err)
}

func TestDocumentDescribe(t *testing.T) {
	doc := mustParse(t)
	assert.Equal(t, "Sample Page", doc.title())

	describe := func(css string) wire.ElementDescription {
		nodes, err := doc.find(doc.root, wire.UsingCSS, css)
		require.NoError(t, err)
		require.NotEmpty(t, nodes, css)
		return doc.describe(nodes[0])
	}

	first := describe("p.a")
	assert.Equal(t, "p", first.Tag)
	assert.Equal(t, "first bold", first.Text)
	assert.Equal(t, map[string]string{"class": "a"}, first.Attributes)
	assert.Equal(t, "//*[@id='main']/p[1]", first.Path)

	assert.Equal(t, "//*[@id='main']/section[1]/p[1]", describe("section p").Path)
	assert.Equal(t, "/html[1]/body[1]/input[1]", describe("input").Path)

	visibility := map[string]bool{
		"p.a":         true,
		"p[hidden]":   false,
		"input":       false,
		"span[style]": false,
		"#inner":      false,
		"section p":   true,
		"style":       false,
		"a":           true,
	}
	for css, want := range visibility {
		assert.Equal(t, want, describe(css).Displayed, css)
	}
}

func TestDocumentTitle(t *testing.T) {
	doc, err := parseDocument("about:blank", "<p>no head</p>")
	require.NoError(t, err)
	assert.Equal(t, "", doc.title())

	doc.setTitle("Added")
	assert.Equal(t, "Added", doc.title())
	doc.setTitle("Changed")
	assert.Equal(t, "Changed", doc.title())
}
