// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/invowk/companion/internal/config"
)

// newConfigCommand creates the `companion config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage companion configuration",
		Long: `Manage companion configuration.

Configuration is stored in:
  - Linux: ~/.config/companion/config.cue
  - macOS: ~/Library/Application Support/companion/config.cue
  - Windows: %APPDATA%\companion\config.cue

Every key can be overridden with a COMPANION_ environment variable, e.g.
COMPANION_TARGET_UDID or COMPANION_GRACE_PERIOD.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd.Context(), nil)
			if err != nil {
				app.reportError(err)
				return err
			}
			path, _ := config.ResolvePath(config.LoadOptions{ConfigFilePath: app.configPath})
			showConfig(app.stdout, cfg, path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			path, err := config.CreateDefaultConfig()
			if err != nil {
				return fmt.Errorf("failed to create config: %w", err)
			}
			fmt.Fprintf(app.stdout, "%s Configuration at %s\n", SuccessStyle.Render("✓"), path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		RunE: func(_ *cobra.Command, _ []string) error {
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "Config directory: %s\n", dir)
			fmt.Fprintf(app.stdout, "Config file: %s/%s.%s\n", dir, config.ConfigFileName, config.ConfigFileExt)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd.Context(), nil)
			if err != nil {
				return err
			}
			fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
			return nil
		},
	})

	return cfgCmd
}

func showConfig(w io.Writer, cfg *config.Config, path string) {
	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	if path != "" {
		fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("Config file"), path)
	} else {
		fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}
	fmt.Fprintln(w)

	value := func(v any) string {
		s := fmt.Sprint(v)
		if s == "" {
			return SubtitleStyle.Render("(unset)")
		}
		return SuccessStyle.Render(s)
	}

	fmt.Fprintf(w, "%s:\n", KeyStyle.Render("target"))
	fmt.Fprintf(w, "  kind: %s\n", value(cfg.Target.Kind))
	fmt.Fprintf(w, "  udid: %s\n", value(cfg.Target.UDID))
	fmt.Fprintf(w, "  name: %s\n", value(cfg.Target.Name))
	fmt.Fprintf(w, "  engine: %s\n", value(cfg.Target.Engine))
	fmt.Fprintf(w, "  container: %s\n", value(cfg.Target.Container))
	fmt.Fprintf(w, "  socket: %s\n", value(cfg.Target.Socket))
	fmt.Fprintf(w, "  poll_interval: %s\n", value(cfg.Target.PollInterval))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", KeyStyle.Render("ports"))
	for _, p := range cfg.Ports {
		fmt.Fprintf(w, "  - %s\n", value(p))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("temp_dir"), value(cfg.TempDir))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("grace_period"), value(cfg.GracePeriod))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("startup_timeout"), value(cfg.StartupTimeout))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("accept_retries"), value(cfg.AcceptRetries))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("log_level"), value(cfg.LogLevel))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("spawn_log_dir"), value(cfg.SpawnLogDir))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", KeyStyle.Render("reporters"))
	fmt.Fprintf(w, "  log: %s\n", value(cfg.Reporters.Log))
	fmt.Fprintf(w, "  file: %s\n", value(cfg.Reporters.File))
	fmt.Fprintf(w, "  sqlite: %s\n", value(cfg.Reporters.SQLite))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", KeyStyle.Render("ssh"))
	fmt.Fprintf(w, "  host_key_path: %s\n", value(cfg.SSH.HostKeyPath))
	token := ""
	if cfg.SSH.Token != "" {
		token = strings.Repeat("*", 8)
	}
	fmt.Fprintf(w, "  token: %s\n", value(token))
	fmt.Fprintf(w, "  idle_timeout: %s\n", value(cfg.SSH.IdleTimeout))
	fmt.Fprintf(w, "  shell: %s\n", value(cfg.SSH.Shell))
}
