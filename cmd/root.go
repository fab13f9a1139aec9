// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// NewRootCommand builds a fresh command tree. Each call returns independent
// flag state, so tests and repeated invocations do not leak into each other.
func NewRootCommand() *cobra.Command {
	var cfgFile string
	v := viper.New()

	root := &cobra.Command{
		Use:           "scalpel-driver",
		Short:         "Drive a browser through its frames, windows and dialogs.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.SetDefaults(v)
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting scalpel-driver", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	root.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.PersistentFlags().String("backend", "", "browser backend: cdp or memory")
	root.PersistentFlags().Bool("headless", true, "run Chrome without a window")
	root.PersistentFlags().String("pages-dir", "", "directory the memory backend serves pages from")
	root.PersistentFlags().Bool("metrics", false, "print Prometheus metrics to stderr when the command ends")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newTreeCmd())
	root.AddCommand(newWaitCmd())
	return root
}

// flagKeys maps persistent flags onto their configuration keys.
var flagKeys = map[string]string{
	"backend":   "browser.backend",
	"headless":  "browser.headless",
	"pages-dir": "browser.pages_dir",
	"metrics":   "metrics.enabled",
	"log-level": "logger.level",
}

// initializeConfig layers the config file, SCALPEL_DRIVER_* environment
// variables and explicitly set flags, in increasing precedence.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("expanding config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home + "/.scalpel-driver")
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SCALPEL_DRIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

// configFrom returns the configuration stored by the root command.
func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	return cfg, nil
}

// Execute runs the root command with ctx and reports a failure on stderr.
func Execute(ctx context.Context) error {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
