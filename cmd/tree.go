// File: cmd/tree.go
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/driver"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

func newTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <url>",
		Short: "Load a page and print its browsing context tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger().Named("tree")

			c, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if shutdownErr := c.Shutdown(ctx, cmd.ErrOrStderr()); shutdownErr != nil {
					logger.Warn("Shutdown was not clean.", zap.Error(shutdownErr))
				}
			}()

			if err := c.Session.Get(ctx, args[0]); err != nil {
				return fmt.Errorf("loading %s: %w", args[0], err)
			}
			nodes, roots := c.Session.ContextTree()
			printTree(cmd.OutOrStdout(), nodes, roots, c.Session.CurrentID())
			return nil
		},
	}
}

// printTree writes one line per context, children indented under their
// parent. The current context is starred.
func printTree(w io.Writer, nodes map[driver.ContextID]driver.BrowsingContext, roots []driver.ContextID, current driver.ContextID) {
	var walk func(id driver.ContextID, depth int)
	walk = func(id driver.ContextID, depth int) {
		c, ok := nodes[id]
		if !ok {
			return
		}
		mark := " "
		if id == current {
			mark = "*"
		}
		line := fmt.Sprintf("%s %s%s %s %q %s", mark, strings.Repeat("  ", depth), c.Kind, c.ID, c.Title, c.URL)
		if c.Name != "" {
			line += " name=" + c.Name
		}
		if c.HostID != "" {
			line += " id=" + c.HostID
		}
		fmt.Fprintln(w, line)
		for _, child := range c.Children {
			walk(child, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, 0)
	}
}
