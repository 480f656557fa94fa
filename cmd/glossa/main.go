// Command glossa is the entry point for the Glossa spoken-language practice
// server and its maintenance tools.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/glossa/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Every subcommand reads --config.
func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "glossa",
		Short: "Spoken-language practice server",
		Long: `Glossa runs scripted conversations with a virtual character. The learner
speaks the target-language lines, each attempt is scored against the script
and a vocabulary quiz follows every dialogue.

Commands:
  serve     - run the practice server
  score     - score a spoken phrase against an expected one
  validate  - check the configuration and script files
  migrate   - create database tables and import scripts`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newScoreCmd(),
		newValidateCmd(&configPath),
		newMigrateCmd(&configPath),
	)
	return root
}

// loadConfig reads the configuration file with a friendlier message when it
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	}
	return cfg, err
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger writing to w and the level variable that
// controls it, so config reloads can change verbosity in place.
func newLogger(w io.Writer, level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
