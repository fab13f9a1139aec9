// internal/driver/cdp/allocator_test.go
package cdp

import (
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

func TestParseArgs(t *testing.T) {
	flags := parseArgs([]string{"--window-size=1280,800", "--mute-audio", " lang=en-US ", "--", ""})
	assert.Equal(t, []flag{
		{name: "window-size", value: "1280,800"},
		{name: "mute-audio", value: true},
		{name: "lang", value: "en-US"},
	}, flags)
}

func TestAllocatorOptions(t *testing.T) {
	base := len(allocatorOptions(config.BrowserConfig{}))
	withExtras := len(allocatorOptions(config.BrowserConfig{ExecPath: "/usr/bin/chromium", Args: []string{"--a", "--b=1"}}))
	assert.Equal(t, base+3, withExtras)
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"http://h/a/b.html", "c.html", "http://h/a/c.html"},
		{"http://h/a/b.html", "/root.html", "http://h/root.html"},
		{"http://h/a/b.html", "https://other/x", "https://other/x"},
		{"about:blank", "page.html", "page.html"},
		{"", "http://h/", "http://h/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveURL(tt.base, tt.ref), "%s + %s", tt.base, tt.ref)
	}
}

func TestCallExpression(t *testing.T) {
	expr, err := callExpression("find", []any{wire.UsingCSS, `a[title="x"]`, nil})
	require.NoError(t, err)
	assert.Equal(t, `globalThis.__scalpel.call("find", "css selector", "a[title=\"x\"]", null)`, expr)
}

func TestDecodeReply(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		var refs []string
		err := decodeReply(&runtime.RemoteObject{Value: []byte(`{"value":["ref-1","ref-2"]}`)}, &refs)
		require.NoError(t, err)
		assert.Equal(t, []string{"ref-1", "ref-2"}, refs)
	})

	t.Run("error envelope becomes a wire error", func(t *testing.T) {
		err := decodeReply(&runtime.RemoteObject{Value: []byte(`{"error":"stale element reference","message":"gone"}`)}, nil)
		we, ok := wire.AsError(err)
		require.True(t, ok)
		assert.Equal(t, wire.CodeStaleElementReference, we.Code)
		assert.Equal(t, "gone", we.Message)
	})

	t.Run("empty result", func(t *testing.T) {
		err := decodeReply(&runtime.RemoteObject{}, nil)
		we, ok := wire.AsError(err)
		require.True(t, ok)
		assert.Equal(t, wire.CodeUnknownError, we.Code)
	})

	t.Run("no value wanted", func(t *testing.T) {
		assert.NoError(t, decodeReply(&runtime.RemoteObject{Value: []byte(`{}`)}, nil))
	})
}
