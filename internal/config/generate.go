// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GenerateCUE renders cfg as a config file. Empty optional strings are
// omitted and the ssh token is never written.
func GenerateCUE(cfg *Config) string {
	var b strings.Builder
	b.WriteString("// Companion configuration.\n\n")

	b.WriteString("target: {\n")
	fmt.Fprintf(&b, "\tkind: %q\n", cfg.Target.Kind)
	fmt.Fprintf(&b, "\tudid: %q\n", cfg.Target.UDID)
	writeOptional(&b, "\t", "name", cfg.Target.Name)
	fmt.Fprintf(&b, "\tengine: %q\n", cfg.Target.Engine)
	writeOptional(&b, "\t", "container", cfg.Target.Container)
	writeOptional(&b, "\t", "socket", cfg.Target.Socket)
	fmt.Fprintf(&b, "\tpoll_interval: %q\n", cfg.Target.PollInterval.String())
	b.WriteString("}\n\n")

	b.WriteString("ports: [\n")
	for _, p := range cfg.Ports {
		fmt.Fprintf(&b, "\t%q,\n", p)
	}
	b.WriteString("]\n\n")

	writeOptional(&b, "", "temp_dir", cfg.TempDir)
	fmt.Fprintf(&b, "grace_period: %q\n", cfg.GracePeriod.String())
	fmt.Fprintf(&b, "startup_timeout: %q\n", cfg.StartupTimeout.String())
	fmt.Fprintf(&b, "accept_retries: %d\n", cfg.AcceptRetries)
	fmt.Fprintf(&b, "log_level: %q\n", cfg.LogLevel)
	writeOptional(&b, "", "spawn_log_dir", cfg.SpawnLogDir)

	b.WriteString("\nreporters: {\n")
	fmt.Fprintf(&b, "\tlog: %v\n", cfg.Reporters.Log)
	writeOptional(&b, "\t", "file", cfg.Reporters.File)
	writeOptional(&b, "\t", "sqlite", cfg.Reporters.SQLite)
	b.WriteString("}\n")

	b.WriteString("\nssh: {\n")
	writeOptional(&b, "\t", "host_key_path", cfg.SSH.HostKeyPath)
	fmt.Fprintf(&b, "\tidle_timeout: %q\n", cfg.SSH.IdleTimeout.String())
	writeOptional(&b, "\t", "shell", cfg.SSH.Shell)
	b.WriteString("}\n")
	return b.String()
}

func writeOptional(b *strings.Builder, indent, key, value string) {
	if value != "" {
		fmt.Fprintf(b, "%s%s: %q\n", indent, key, value)
	}
}

// CreateDefaultConfig writes the defaults to <config dir>/config.cue unless
// a file already exists, and returns the path.
func CreateDefaultConfig() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if fileExists(path) {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", fmt.Errorf("write config file: %w", err)
	}
	return path, nil
}
