// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/companion/internal/container"
	"github.com/invowk/companion/internal/ports"
	"github.com/invowk/companion/internal/target"
)

// ErrInvalidConfig is the sentinel wrapped by InvalidConfigError.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// Config is the effective companion configuration.
	Config struct {
		Target         TargetConfig    `json:"target" mapstructure:"target" yaml:"target" toml:"target"`
		Ports          []string        `json:"ports" mapstructure:"ports" yaml:"ports" toml:"ports"`
		TempDir        string          `json:"temp_dir" mapstructure:"temp_dir" yaml:"temp_dir" toml:"temp_dir"`
		GracePeriod    time.Duration   `json:"grace_period" mapstructure:"grace_period" yaml:"grace_period" toml:"grace_period"`
		StartupTimeout time.Duration   `json:"startup_timeout" mapstructure:"startup_timeout" yaml:"startup_timeout" toml:"startup_timeout"`
		AcceptRetries  int             `json:"accept_retries" mapstructure:"accept_retries" yaml:"accept_retries" toml:"accept_retries"`
		LogLevel       string          `json:"log_level" mapstructure:"log_level" yaml:"log_level" toml:"log_level"`
		Reporters      ReportersConfig `json:"reporters" mapstructure:"reporters" yaml:"reporters" toml:"reporters"`
		SSH            SSHConfig       `json:"ssh" mapstructure:"ssh" yaml:"ssh" toml:"ssh"`
		SpawnLogDir    string          `json:"spawn_log_dir" mapstructure:"spawn_log_dir" yaml:"spawn_log_dir" toml:"spawn_log_dir"`
	}

	// TargetConfig selects the served target.
	TargetConfig struct {
		Kind         target.Kind   `json:"kind" mapstructure:"kind" yaml:"kind" toml:"kind"`
		UDID         string        `json:"udid" mapstructure:"udid" yaml:"udid" toml:"udid"`
		Name         string        `json:"name" mapstructure:"name" yaml:"name" toml:"name"`
		Engine       string        `json:"engine" mapstructure:"engine" yaml:"engine" toml:"engine"`
		Container    string        `json:"container" mapstructure:"container" yaml:"container" toml:"container"`
		Socket       string        `json:"socket" mapstructure:"socket" yaml:"socket" toml:"socket"`
		PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	}

	// ReportersConfig enables event sinks.
	ReportersConfig struct {
		Log    bool   `json:"log" mapstructure:"log" yaml:"log" toml:"log"`
		File   string `json:"file" mapstructure:"file" yaml:"file" toml:"file"`
		SQLite string `json:"sqlite" mapstructure:"sqlite" yaml:"sqlite" toml:"sqlite"`
	}

	// SSHConfig configures the ssh console service.
	SSHConfig struct {
		HostKeyPath string        `json:"host_key_path" mapstructure:"host_key_path" yaml:"host_key_path" toml:"host_key_path"`
		Token       string        `json:"token,omitempty" mapstructure:"token" yaml:"token,omitempty" toml:"token,omitempty"`
		IdleTimeout time.Duration `json:"idle_timeout" mapstructure:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`
		// Shell enables interactive sessions for host targets.
		Shell string `json:"shell,omitempty" mapstructure:"shell" yaml:"shell,omitempty" toml:"shell,omitempty"`
	}

	// InvalidConfigError names the field that failed validation.
	InvalidConfigError struct {
		Field string
		Err   error
	}
)

// DefaultConfig returns the built-in defaults: a host target and loopback
// gRPC and HTTP services on ephemeral ports.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Kind:         target.KindHost,
			UDID:         "local",
			Engine:       "auto",
			PollInterval: 2 * time.Second,
		},
		Ports:          []string{"grpc=tcp://127.0.0.1:0", "http=tcp://127.0.0.1:0"},
		GracePeriod:    5 * time.Second,
		StartupTimeout: 30 * time.Second,
		AcceptRetries:  5,
		LogLevel:       "info",
		Reporters:      ReportersConfig{Log: true},
		SSH:            SSHConfig{IdleTimeout: 10 * time.Minute},
	}
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *InvalidConfigError) Unwrap() []error { return []error{ErrInvalidConfig, e.Err} }

// Validate checks constraints the schema cannot express.
func (c *Config) Validate() error {
	if !c.Target.Kind.IsKnown() {
		return &InvalidConfigError{Field: "target.kind", Err: fmt.Errorf("unknown kind %q", c.Target.Kind)}
	}
	if c.Target.UDID == "" {
		return &InvalidConfigError{Field: "target.udid", Err: errors.New("must not be empty")}
	}
	switch c.Target.Kind {
	case target.KindContainer:
		if c.Target.Container == "" {
			return &InvalidConfigError{Field: "target.container", Err: errors.New("required for container targets")}
		}
		switch container.EngineType(c.Target.Engine) {
		case "auto", container.EngineTypeDocker, container.EngineTypePodman:
		default:
			return &InvalidConfigError{Field: "target.engine", Err: fmt.Errorf("unknown engine %q", c.Target.Engine)}
		}
	case target.KindSocket:
		if c.Target.Socket == "" {
			return &InvalidConfigError{Field: "target.socket", Err: errors.New("required for socket targets")}
		}
	}
	if _, err := c.PortsConfig(); err != nil {
		return &InvalidConfigError{Field: "ports", Err: err}
	}
	if c.GracePeriod < 0 {
		return &InvalidConfigError{Field: "grace_period", Err: errors.New("must not be negative")}
	}
	if c.AcceptRetries < 0 {
		return &InvalidConfigError{Field: "accept_retries", Err: errors.New("must not be negative")}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return &InvalidConfigError{Field: "log_level", Err: err}
	}
	return nil
}

// EngineType returns the preferred engine; empty means auto-detect.
func (t TargetConfig) EngineType() container.EngineType {
	if t.Engine == "auto" {
		return ""
	}
	return container.EngineType(t.Engine)
}

// PortsConfig parses the configured bindings.
func (c *Config) PortsConfig() (ports.Config, error) {
	return ports.Parse(c.Ports)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
