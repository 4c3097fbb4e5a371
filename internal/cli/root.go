// Package cli implements the command-line interface for odc.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kilupskalvis/odc/internal/config"
	"github.com/kilupskalvis/odc/internal/store"
	"github.com/spf13/cobra"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Store  *store.Store
	Logger *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

// initContext loads config, opens the store and builds the logger
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	logger, err := newLogger(cfg.Log, logLevel)
	if err != nil {
		exitError("%v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to open store: %v", err)
	}

	return &cmdContext{Config: cfg, Store: st, Logger: logger}
}

// newLogger builds the stderr logger. A non-empty override replaces the
// configured level.
func newLogger(lc config.LogConfig, override string) (*slog.Logger, error) {
	name := lc.Level
	if override != "" {
		name = override
	}
	level, err := config.ParseLevel(name)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch lc.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "odc",
	Short: "OData change client",
	Long: `odc records entity, link and stream changes from a change script and
saves them to an OData service, one request per change or in a $batch.
Identities and ETags reported by the service are remembered in .odc/ so
later scripts can refer to saved entities by key.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
