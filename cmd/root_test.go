// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-driver/internal/driver"
)

const (
	indexPage = `<html><head><title>Index</title></head><body>
<p id="top">hello</p>
<iframe id="child-frame" name="child" src="/child.html"></iframe>
</body></html>`
	childPage = `<html><head><title>Child</title></head><body><p id="inner" class="para">inner</p></body></html>`
)

// writePages creates a pages directory for the memory backend and isolates
// the command from any config file in the real home directory.
func writePages(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(indexPage), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "child.html"), []byte(childPage), 0o644))
	return dir
}

func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "scalpel-driver "+Version+"\n", out)
}

func TestInvalidBackend(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, _, err := run(t, "tree", "--backend", "firefox", "http://site/index.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser.backend")
}

func TestBackendFromEnvironment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SCALPEL_DRIVER_BROWSER_BACKEND", "netscape")
	_, _, err := run(t, "tree", "http://site/index.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "netscape")
}

func TestTreeCommand(t *testing.T) {
	dir := writePages(t)
	out, _, err := run(t, "tree", "--backend", "memory", "--pages-dir", dir, "http://site/index.html")
	require.NoError(t, err)

	assert.Contains(t, out, "window")
	assert.Contains(t, out, `"Index"`)
	assert.Contains(t, out, "iframe")
	assert.Contains(t, out, `"Child"`)
	assert.Contains(t, out, "name=child")
	assert.Contains(t, out, "id=child-frame")
	// The top-level window is current after a navigation.
	assert.Regexp(t, `(?m)^\* window`, out)
}

func TestTreeCommandMissingPage(t *testing.T) {
	dir := writePages(t)
	_, _, err := run(t, "tree", "--backend", "memory", "--pages-dir", dir, "http://site/missing.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.html")
}

func TestWaitCommand(t *testing.T) {
	dir := writePages(t)
	url := "http://site/index.html"

	t.Run("title", func(t *testing.T) {
		out, _, err := run(t, "wait", "--backend", "memory", "--pages-dir", dir, "--title", "Index", url)
		require.NoError(t, err)
		assert.Contains(t, out, `title is "Index"`)
	})

	t.Run("element in frame", func(t *testing.T) {
		out, _, err := run(t, "wait", "--backend", "memory", "--pages-dir", dir, "--frame", "child", "--css", "p.para", url)
		require.NoError(t, err)
		assert.Contains(t, out, `found <p> "inner"`)
	})

	t.Run("times out", func(t *testing.T) {
		_, _, err := run(t, "wait", "--backend", "memory", "--pages-dir", dir,
			"--xpath", "//div", "--timeout", "100ms", "--poll", "20ms", url)
		require.Error(t, err)
		assert.ErrorIs(t, err, driver.ErrTimeout)
	})

	t.Run("invalid selector", func(t *testing.T) {
		_, _, err := run(t, "wait", "--backend", "memory", "--pages-dir", dir, "--xpath", "//[", url)
		require.Error(t, err)
		assert.ErrorIs(t, err, driver.ErrInvalidSelector)
	})

	t.Run("needs a condition", func(t *testing.T) {
		_, _, err := run(t, "wait", "--backend", "memory", "--pages-dir", dir, url)
		require.Error(t, err)
	})

	t.Run("conditions are exclusive", func(t *testing.T) {
		_, _, err := run(t, "wait", "--backend", "memory", "--pages-dir", dir, "--title", "Index", "--css", "p", url)
		require.Error(t, err)
	})
}

func TestMetricsOutput(t *testing.T) {
	dir := writePages(t)
	_, errOut, err := run(t, "wait", "--backend", "memory", "--pages-dir", dir, "--metrics", "--title", "Index", "http://site/index.html")
	require.NoError(t, err)
	assert.Contains(t, errOut, "scalpel_driver_commands_total")
	assert.Contains(t, errOut, `scalpel_driver_waits_total{outcome="success"}`)
}

func TestConfigFromWithoutRoot(t *testing.T) {
	cmd := newTreeCmd()
	cmd.SetContext(context.Background())
	_, err := configFrom(cmd)
	assert.Error(t, err)
}

func TestPrintTree(t *testing.T) {
	nodes := map[driver.ContextID]driver.BrowsingContext{
		"w1": {ID: "w1", Kind: driver.TopWindow, Title: "Top", URL: "http://a/", Children: []driver.ContextID{"f1"}},
		"f1": {ID: "f1", Kind: driver.Iframe, Parent: "w1", Name: "inner", HostID: "box", URL: "http://a/f"},
	}
	var buf bytes.Buffer
	printTree(&buf, nodes, []driver.ContextID{"w1"}, "f1")

	want := "  window w1 \"Top\" http://a/\n" +
		"*   iframe f1 \"\" http://a/f name=inner id=box\n"
	assert.Equal(t, want, buf.String())
}
