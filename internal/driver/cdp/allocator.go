// internal/driver/cdp/allocator.go
package cdp

import (
	"runtime"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
)

// allocatorOptions assembles the Chrome flags for a driver-controlled browser.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	// Start with default options, filtering out flags that reveal automation.
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions[:] {
		if flag, ok := opt.(chromedp.Flag); ok && flag.Name == "enable-automation" {
			continue
		}
		opts = append(opts, opt)
	}

	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		// Keep cross-origin frames in the page's renderer so the whole frame
		// tree is reachable through one target.
		chromedp.Flag("disable-site-isolation-trials", true),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		// Popups opened by pages must become new windows, not blocked ones.
		chromedp.Flag("disable-popup-blocking", true),
	)

	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	for _, f := range parseArgs(cfg.Args) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}

	// Add flags required for running inside containers (e.g., Docker on Linux).
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return opts
}

// flag is one command line switch for the browser process.
type flag struct {
	name  string
	value any
}

// parseArgs turns "--name=value" and "--name" strings into flags.
func parseArgs(args []string) []flag {
	flags := make([]flag, 0, len(args))
	for _, arg := range args {
		parts := strings.SplitN(strings.TrimSpace(arg), "=", 2)
		name := strings.TrimLeft(parts[0], "-")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags = append(flags, flag{name: name, value: parts[1]})
		} else {
			flags = append(flags, flag{name: name, value: true})
		}
	}
	return flags
}
