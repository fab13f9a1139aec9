// File: cmd/wait.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/driver"
	"github.com/xkilldash9x/scalpel-driver/internal/driver/wait"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

type waitFlags struct {
	title         string
	titleContains string
	css           string
	xpath         string
	visible       bool
	alert         bool
	frame         string
	timeout       time.Duration
	poll          time.Duration
}

func newWaitCmd() *cobra.Command {
	var f waitFlags
	cmd := &cobra.Command{
		Use:   "wait <url>",
		Short: "Load a page and wait for a condition to hold",
		Long: `Load a page and poll until exactly one condition holds or the timeout passes.
With --frame the condition is evaluated inside the named frame once it exists.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			run, err := f.condition()
			if err != nil {
				return err
			}

			opts := wait.FromConfig(cfg.Wait())
			if cmd.Flags().Changed("timeout") {
				opts = append(opts, wait.WithTimeout(f.timeout))
			}
			if cmd.Flags().Changed("poll") {
				opts = append(opts, wait.WithPollInterval(f.poll))
			}

			logger := observability.GetLogger().Named("wait")
			c, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if shutdownErr := c.Shutdown(ctx, cmd.ErrOrStderr()); shutdownErr != nil {
					logger.Warn("Shutdown was not clean.", zap.Error(shutdownErr))
				}
			}()
			opts = append(opts, wait.WithLogger(logger), wait.WithMetrics(c.Metrics))

			if err := c.Session.Get(ctx, args[0]); err != nil {
				return fmt.Errorf("loading %s: %w", args[0], err)
			}
			if f.frame != "" {
				if _, err := wait.Until(ctx, c.Session, wait.FrameAvailableAndSwitchToIt(driver.FrameName(f.frame)), opts...); err != nil {
					return fmt.Errorf("waiting for frame %q: %w", f.frame, err)
				}
			}

			start := time.Now()
			result, err := run(ctx, c.Session, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s after %s\n", result, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&f.title, "title", "", "wait until the title equals this")
	cmd.Flags().StringVar(&f.titleContains, "title-contains", "", "wait until the title contains this")
	cmd.Flags().StringVar(&f.css, "css", "", "wait until an element matches this CSS selector")
	cmd.Flags().StringVar(&f.xpath, "xpath", "", "wait until an element matches this XPath")
	cmd.Flags().BoolVar(&f.visible, "visible", false, "with --css or --xpath, also require the element to be displayed")
	cmd.Flags().BoolVar(&f.alert, "alert", false, "wait until a dialog opens")
	cmd.Flags().StringVar(&f.frame, "frame", "", "switch into the frame with this name or id first")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "how long to wait")
	cmd.Flags().DurationVar(&f.poll, "poll", 500*time.Millisecond, "how often to check")
	cmd.MarkFlagsMutuallyExclusive("title", "title-contains", "css", "xpath", "alert")
	cmd.MarkFlagsOneRequired("title", "title-contains", "css", "xpath", "alert")
	return cmd
}

// check runs a wait and describes what it found.
type check func(ctx context.Context, s *driver.Session, opts []wait.Option) (string, error)

// condition picks the single wait the flags ask for.
func (f waitFlags) condition() (check, error) {
	switch {
	case f.title != "":
		return boolCheck(wait.TitleIs(f.title), fmt.Sprintf("title is %q", f.title)), nil
	case f.titleContains != "":
		return boolCheck(wait.TitleContains(f.titleContains), fmt.Sprintf("title contains %q", f.titleContains)), nil
	case f.css != "" || f.xpath != "":
		loc := driver.ByCSSSelector(f.css)
		if f.xpath != "" {
			loc = driver.ByXPath(f.xpath)
		}
		if err := loc.Validate(); err != nil {
			return nil, err
		}
		cond := wait.ElementLocated(loc)
		if f.visible {
			cond = wait.ElementVisible(loc)
		}
		return func(ctx context.Context, s *driver.Session, opts []wait.Option) (string, error) {
			h, err := wait.Until(ctx, s, cond, opts...)
			if err != nil {
				return "", err
			}
			info, err := s.Describe(ctx, h)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("found <%s> %q at %s", info.Tag, info.Text, info.Path), nil
		}, nil
	case f.alert:
		return func(ctx context.Context, s *driver.Session, opts []wait.Option) (string, error) {
			a, err := wait.Until(ctx, s, wait.AlertIsPresent(), opts...)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s dialog %q", a.Kind(), a.Text()), nil
		}, nil
	}
	return nil, fmt.Errorf("one of --title, --title-contains, --css, --xpath or --alert is required")
}

func boolCheck(cond wait.Condition[bool], what string) check {
	return func(ctx context.Context, s *driver.Session, opts []wait.Option) (string, error) {
		if _, err := wait.Until(ctx, s, cond, opts...); err != nil {
			return "", err
		}
		return what, nil
	}
}
