// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/invowk/companion/internal/issue"
	"github.com/invowk/companion/internal/spawner"
	"github.com/invowk/companion/pkg/types"
)

type (
	spawnOptions struct {
		udids []string
		path  string
		logs  string
	}

	// spawnReport is the line printed for each ready child.
	spawnReport struct {
		UDID  types.TargetID `json:"udid"`
		Pid   int            `json:"pid"`
		Ports map[string]int `json:"ports"`
		Log   string         `json:"log"`
	}
)

func newSpawnCommand(app *App) *cobra.Command {
	opts := &spawnOptions{}
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Launch one companion child process per target",
		Long: `Launch one companion child process per target and keep them running.

Each child runs "serve --udid <udid> --grpc-port 0". Once it reports its
ports, spawn prints one JSON line for it on stdout. Child stderr goes to
<log-dir>/<udid>.log. On SIGINT or SIGTERM every child is stopped; a child
that ignores SIGTERM is killed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSpawn(cmd, app, opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.udids, "udid", nil, "target to spawn a companion for (repeatable)")
	cmd.Flags().StringVar(&opts.path, "companion-path", "", "companion executable (default is this binary)")
	cmd.Flags().StringVar(&opts.logs, "log-dir", "", "directory for child logs (default is spawn_log_dir or the user cache dir)")
	_ = cmd.MarkFlagRequired("udid")
	return cmd
}

func runSpawn(cmd *cobra.Command, app *App, opts *spawnOptions) error {
	ctx := cmd.Context()
	cfg, err := app.loadConfig(ctx, nil)
	if err != nil {
		app.reportError(err)
		return err
	}
	logger := app.newLogger(cfg.Level()).WithPrefix("spawner")

	path := opts.path
	if path == "" {
		if path, err = os.Executable(); err != nil {
			return fmt.Errorf("locate companion executable: %w", err)
		}
	}
	logDir := opts.logs
	if logDir == "" {
		logDir = expandHome(cfg.SpawnLogDir)
	}
	var extra []string
	if app.configPath != "" {
		extra = append(extra, "--config", app.configPath)
	}

	sp, err := spawner.New(spawner.Options{
		Path:         path,
		LogDir:       types.FilesystemPath(logDir),
		ExtraArgs:    extra,
		StartTimeout: cfg.StartupTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sp.Close(); err != nil {
			logger.Warn("stopping children", "error", err)
		}
	}()

	enc := json.NewEncoder(app.stdout)
	for _, udid := range opts.udids {
		child, err := sp.Spawn(ctx, types.TargetID(udid))
		if err != nil {
			err = issue.NewErrorContext().
				WithOperation("spawn companion").
				WithResource(udid).
				WithIssue(issue.CompanionNotReportingId).
				Wrap(err).
				BuildError()
			app.reportError(err)
			return err
		}
		report := spawnReport{UDID: child.UDID, Pid: child.Pid(), Ports: child.Ports, Log: child.LogPath}
		if err := enc.Encode(report); err != nil {
			return err
		}
	}

	// Block until a signal arrives or any child exits on its own.
	children := sp.Children()
	exited := make(chan *spawner.Child, len(children))
	for _, c := range children {
		go func() {
			<-c.Done()
			exited <- c
		}()
	}
	select {
	case <-ctx.Done():
		return nil
	case c := <-exited:
		return &ExitError{
			Code: types.ExitFailure,
			Err:  fmt.Errorf("companion for %s exited: %v (see %s)", c.UDID, c.Err(), c.LogPath),
		}
	}
}
