// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/invowk/companion/internal/config"
)

type (
	// App wires CLI services and shared dependencies. Every command handler
	// receives an App and reads configuration and output streams from it.
	App struct {
		Config ConfigProvider
		stdout io.Writer
		stderr io.Writer

		// Persistent flag values.
		configPath string
		verbose    bool
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config ConfigProvider
		Stdout io.Writer
		Stderr io.Writer
	}

	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	return &App{Config: deps.Config, stdout: deps.Stdout, stderr: deps.Stderr}
}

// loadConfig loads configuration honoring --config and the given overrides.
func (a *App) loadConfig(ctx context.Context, overrides map[string]any) (*config.Config, error) {
	return a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.configPath, Overrides: overrides})
}

// newLogger returns the root logger. Logs always go to stderr so stdout
// carries only machine-readable output.
func (a *App) newLogger(level log.Level) *log.Logger {
	if a.verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(a.stderr, log.Options{
		Level:           level,
		Prefix:          "companion",
		ReportTimestamp: true,
	})
}
