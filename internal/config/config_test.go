// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/invowk/companion/internal/issue"
	"github.com/invowk/companion/internal/ports"
	"github.com/invowk/companion/internal/target"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, path, err := loadWithOptions(t.Context(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("load error = %v", err)
	}
	if path != "" {
		t.Errorf("resolved path = %q, want none", path)
	}
	want := DefaultConfig()
	if cfg.Target != want.Target || cfg.GracePeriod != want.GracePeriod || len(cfg.Ports) != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	pc, err := cfg.PortsConfig()
	if err != nil || pc.Len() != 2 || pc.Bindings()[0].Service != ports.ServiceGRPC {
		t.Errorf("PortsConfig() = %+v, %v", pc, err)
	}
}

func TestLoadCUEFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
target: {kind: "socket", udid: "sim-1", socket: "/tmp/sim-1.sock", poll_interval: "500ms"}
ports: ["grpc=tcp://127.0.0.1:10882", "ssh=unix:///tmp/c.sock"]
grace_period: "2s"
accept_retries: 3
log_level: "debug"
reporters: {log: false, sqlite: "~/events.db"}
`)
	cfg, err := NewProvider().Load(t.Context(), LoadOptions{ConfigFilePath: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Target.Kind != target.KindSocket || cfg.Target.UDID != "sim-1" || cfg.Target.PollInterval != 500*time.Millisecond {
		t.Errorf("Target = %+v", cfg.Target)
	}
	if cfg.GracePeriod != 2*time.Second || cfg.AcceptRetries != 3 || cfg.Level().String() != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Reporters.Log || cfg.Reporters.SQLite != "~/events.db" {
		t.Errorf("Reporters = %+v", cfg.Reporters)
	}
	if cfg.StartupTimeout != DefaultConfig().StartupTimeout {
		t.Errorf("StartupTimeout = %s, want default", cfg.StartupTimeout)
	}
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad duration", `grace_period: "soon"`, "grace_period"},
		{"bad binding", `ports: ["grpc:8080"]`, "ports"},
		{"bad kind", `target: {kind: "phone"}`, "target.kind"},
		{"negative retries", `accept_retries: -1`, "accept_retries"},
		{"unknown field", `colour: "red"`, "colour"},
		{"syntax", `target: {`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewProvider().Load(t.Context(), LoadOptions{ConfigFilePath: writeConfig(t, tt.body)})
			var ae *issue.ActionableError
			if !errors.As(err, &ae) {
				t.Fatalf("Load() error = %v, want *issue.ActionableError", err)
			}
			if ae.Issue != issue.ConfigLoadFailedId {
				t.Errorf("Issue = %d", ae.Issue)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %q", err, tt.field)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewProvider().Load(t.Context(), LoadOptions{ConfigFilePath: filepath.Join(t.TempDir(), "nope.cue")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `target: {udid: "from-file"}
grace_period: "3s"
`)
	t.Setenv("COMPANION_GRACE_PERIOD", "7s")
	t.Setenv("COMPANION_LOG_LEVEL", "warn")

	cfg, err := NewProvider().Load(t.Context(), LoadOptions{
		ConfigFilePath: path,
		Overrides:      map[string]any{"log_level": "error"},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Target.UDID != "from-file" {
		t.Errorf("udid = %q, want file value", cfg.Target.UDID)
	}
	if cfg.GracePeriod != 7*time.Second {
		t.Errorf("grace_period = %s, want env value", cfg.GracePeriod)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("log_level = %q, want override", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"defaults", func(*Config) {}, ""},
		{"container without id", func(c *Config) { c.Target.Kind = target.KindContainer }, "target.container"},
		{"bad engine", func(c *Config) {
			c.Target.Kind, c.Target.Container, c.Target.Engine = target.KindContainer, "web", "lxc"
		}, "target.engine"},
		{"socket without path", func(c *Config) { c.Target.Kind = target.KindSocket }, "target.socket"},
		{"empty udid", func(c *Config) { c.Target.UDID = "" }, "target.udid"},
		{"no ports", func(c *Config) { c.Ports = nil }, "ports"},
		{"negative grace", func(c *Config) { c.GracePeriod = -time.Second }, "grace_period"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			var ice *InvalidConfigError
			if !errors.As(err, &ice) || ice.Field != tt.field || !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestGenerateCUELoadsBack(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Target.Name = "bench"
	cfg.SSH.Token = "secret"
	text := GenerateCUE(cfg)
	if strings.Contains(text, "secret") {
		t.Error("GenerateCUE wrote the ssh token")
	}

	got, err := NewProvider().Load(t.Context(), LoadOptions{ConfigFilePath: writeConfig(t, text)})
	if err != nil {
		t.Fatalf("Load(generated) error = %v\n%s", err, text)
	}
	if got.Target.Name != "bench" || got.SSH.IdleTimeout != cfg.SSH.IdleTimeout {
		t.Errorf("loaded = %+v", got)
	}
}

func TestCreateDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	SetConfigDirOverride(dir)
	t.Cleanup(func() { SetConfigDirOverride("") })

	path, err := CreateDefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("path = %s", path)
	}
	if resolved, err := ResolvePath(LoadOptions{}); err != nil || resolved != path {
		t.Errorf("ResolvePath() = %q, %v", resolved, err)
	}
}
