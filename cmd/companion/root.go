// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/invowk/companion/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "companion",
		Short: "Expose a target to remote clients over gRPC, HTTP and SSH",
		Long: TitleStyle.Render("companion") + SubtitleStyle.Render(" - expose a target to remote clients") + `

A companion binds one or more network services for a single target (the
local host, a running container, or a process behind a control socket) and
forwards client commands to it until it is stopped or the target goes away.

` + SubtitleStyle.Render("Examples:") + `
  companion serve --udid local              Serve the host on ephemeral ports
  companion serve --target-kind container --container web --grpc-port 10882
  companion status --addr 127.0.0.1:10882   Query a running companion
  companion spawn --udid sim-1 --udid sim-2 Launch companions as children
  companion config show                     Show current configuration`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default is <user config dir>/companion/config.cue)")
	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newServeCommand(app),
		newSpawnCommand(app),
		newStatusCommand(app),
		newCallCommand(app),
		newEventsCommand(app),
		newLogCommand(app),
		newConfigCommand(app),
		newIssuesCommand(app),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(int(exitErr.Code))
		}
		os.Exit(1)
	}
}

// reportError prints the detail fang does not: the full cause chain in
// verbose mode and the catalog entry linked from an actionable error.
func (a *App) reportError(err error) {
	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		return
	}
	if a.verbose {
		fmt.Fprintln(a.stderr, ae.Format(true))
	}
	if ae.Issue == 0 {
		return
	}
	if entry := issue.Get(ae.Issue); entry != nil {
		if rendered, renderErr := entry.Render("dark"); renderErr == nil {
			fmt.Fprint(a.stderr, rendered)
		}
	}
}
