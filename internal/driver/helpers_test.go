// internal/driver/helpers_test.go
package driver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-driver/internal/driver"
	"github.com/xkilldash9x/scalpel-driver/internal/driver/memory"
)

const base = "http://test/"

// testPages is a small site: a frameset page with two named frames (the
// second nesting a third), plus plain pages for navigation.
var testPages = map[string]string{
	base + "frames.html": `<html><head><title>Frames</title></head><body>
		<div id="top-only">outside the frames</div>
		<iframe id="first-id" name="first" src="first.html"></iframe>
		<iframe id="second-id" name="second" src="second.html"></iframe>
	</body></html>`,

	base + "first.html": `<html><head><title>First</title></head><body>
		<p id="first-p" class="para">in first</p>
	</body></html>`,

	base + "second.html": `<html><head><title>Second</title></head><body>
		<p id="second-p" class="para">in second</p>
		<iframe name="third" src="third.html"></iframe>
	</body></html>`,

	base + "third.html": `<html><head><title>Third</title></head><body>
		<p id="third-p">deepest</p>
	</body></html>`,

	base + "simple.html": `<html><head><title>Simple</title></head><body>
		<div id="box" class="card">
			<p class="para">one</p>
			<p class="para" hidden>two</p>
			<a href="other.html">Go to other page</a>
		</div>
		<input id="q" name="q">
		<ul><li>a</li><li>b</li><li>c</li></ul>
	</body></html>`,

	base + "other.html": `<html><head><title>Other</title></head><body>
		<p id="other-p">other</p>
	</body></html>`,
}

type fixture struct {
	browser *memory.Browser
	session *driver.Session
}

func newFixture(t *testing.T, opts driver.Options) *fixture {
	t.Helper()
	b := memory.New(memory.WithPages(testPages), memory.WithLogger(zaptest.NewLogger(t)))
	s, err := driver.New(context.Background(), b, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Quit(context.Background()) })
	return &fixture{browser: b, session: s}
}

// open creates a fixture with the default options and loads page.
func open(t *testing.T, page string) *fixture {
	t.Helper()
	f := newFixture(t, driver.DefaultOptions())
	require.NoError(t, f.session.Get(context.Background(), base+page))
	return f
}

func (f *fixture) find(t *testing.T, loc driver.Locator) driver.ElementHandle {
	t.Helper()
	h, err := f.session.FindElement(context.Background(), loc)
	require.NoError(t, err)
	return h
}

func (f *fixture) describe(t *testing.T, h driver.ElementHandle) driver.ElementInfo {
	t.Helper()
	info, err := f.session.Describe(context.Background(), h)
	require.NoError(t, err)
	return info
}
