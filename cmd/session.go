// File: cmd/session.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/driver"
	"github.com/xkilldash9x/scalpel-driver/internal/driver/cdp"
	"github.com/xkilldash9x/scalpel-driver/internal/driver/memory"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
	"github.com/xkilldash9x/scalpel-driver/internal/wire"
)

// components is everything one CLI invocation needs to talk to a browser.
type components struct {
	Session  *driver.Session
	Metrics  *observability.Metrics
	registry *prometheus.Registry
	logger   *zap.Logger
}

// newTransport builds the configured browser backend.
func newTransport(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (wire.Transport, error) {
	switch cfg.Backend {
	case "memory":
		dir, err := homedir.Expand(cfg.PagesDir)
		if err != nil {
			return nil, fmt.Errorf("expanding pages dir: %w", err)
		}
		fs := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), dir))
		return memory.New(memory.WithFS(fs), memory.WithLogger(logger)), nil
	case "cdp", "":
		return cdp.New(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown browser backend %q", cfg.Backend)
}

// sessionOptions converts the session section of the configuration.
func sessionOptions(cfg config.SessionConfig) (driver.Options, error) {
	behavior, err := driver.ParseUnhandledAlertBehavior(cfg.UnhandledAlertBehavior)
	if err != nil {
		return driver.Options{}, err
	}
	return driver.Options{
		ImplicitWait:           cfg.ImplicitWait,
		PageLoadTimeout:        cfg.PageLoadTimeout,
		ScriptTimeout:          cfg.ScriptTimeout,
		UnhandledAlertBehavior: behavior,
	}, nil
}

// initializeComponents opens a session on the configured backend. The
// caller must call Shutdown.
func initializeComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger}

	opts, err := sessionOptions(cfg.Session())
	if err != nil {
		return nil, err
	}

	transport, err := newTransport(ctx, cfg.Browser(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s backend: %w", cfg.Browser().Backend, err)
	}

	if cfg.Metrics().Enabled {
		c.registry = prometheus.NewRegistry()
		c.Metrics = observability.NewMetrics(c.registry)
		transport = driver.Instrument(transport, c.Metrics)
	}

	c.Session, err = driver.New(ctx, transport, opts, logger)
	if err != nil {
		return nil, multierr.Append(err, transport.Close(ctx))
	}
	return c, nil
}

// Shutdown ends the session and, if enabled, writes the metrics to w.
func (c *components) Shutdown(ctx context.Context, w io.Writer) error {
	var errs error
	if c.Session != nil {
		errs = multierr.Append(errs, c.Session.Quit(ctx))
	}
	if c.registry != nil {
		errs = multierr.Append(errs, writeMetrics(c.registry, w))
	}
	return errs
}

// writeMetrics prints every gathered family in the Prometheus text format.
func writeMetrics(g prometheus.Gatherer, w io.Writer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding metrics: %w", err)
		}
	}
	return nil
}
