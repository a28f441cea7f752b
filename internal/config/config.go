// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"

	"github.com/invowk/companion/internal/issue"
)

const (
	// AppName names the config directory.
	AppName = "companion"
	// ConfigFileName is the config file name without extension.
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides, e.g. COMPANION_TARGET_UDID.
	EnvPrefix = "COMPANION"

	maxConfigSize = 1 << 20
)

//go:embed config_schema.cue
var configSchema string

// configDirOverride lets tests pin the config directory.
var configDirOverride string

// SetConfigDirOverride pins ConfigDir to dir. An empty dir clears it.
func SetConfigDirOverride(dir string) {
	configDirOverride = dir
}

// ConfigDir returns <user config dir>/companion.
//
//nolint:revive // ConfigDir reads better than Dir at call sites
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config directory: %w", err)
	}
	return filepath.Join(base, AppName), nil
}

// ResolvePath returns the config file Load would read, or "" when none
// exists and defaults apply.
func ResolvePath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(fmt.Errorf("%w: %s", os.ErrNotExist, opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	dir := opts.ConfigDirPath
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	if p := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt); fileExists(p) {
		return p, nil
	}
	return "", nil
}

func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("load config canceled: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := ResolvePath(opts)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(err).
				BuildError()
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(err).
			BuildError()
	}
	return &cfg, path, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("target.kind", string(d.Target.Kind))
	v.SetDefault("target.udid", d.Target.UDID)
	v.SetDefault("target.name", d.Target.Name)
	v.SetDefault("target.engine", d.Target.Engine)
	v.SetDefault("target.container", d.Target.Container)
	v.SetDefault("target.socket", d.Target.Socket)
	v.SetDefault("target.poll_interval", d.Target.PollInterval)
	v.SetDefault("ports", d.Ports)
	v.SetDefault("temp_dir", d.TempDir)
	v.SetDefault("grace_period", d.GracePeriod)
	v.SetDefault("startup_timeout", d.StartupTimeout)
	v.SetDefault("accept_retries", d.AcceptRetries)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("reporters.log", d.Reporters.Log)
	v.SetDefault("reporters.file", d.Reporters.File)
	v.SetDefault("reporters.sqlite", d.Reporters.SQLite)
	v.SetDefault("ssh.host_key_path", d.SSH.HostKeyPath)
	v.SetDefault("ssh.token", d.SSH.Token)
	v.SetDefault("ssh.idle_timeout", d.SSH.IdleTimeout)
	v.SetDefault("ssh.shell", d.SSH.Shell)
	v.SetDefault("spawn_log_dir", d.SpawnLogDir)
}

// loadCUEIntoViper validates path against #Config and merges it into v.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config file is %d bytes, limit is %d", len(data), maxConfigSize)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("internal error: compile config schema: %w", err)
	}
	user := ctx.CompileBytes(data, cue.Filename(path))
	if err := user.Err(); err != nil {
		return formatCUEError(err, path)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(user)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err, path)
	}

	var m map[string]any
	if err := unified.Decode(&m); err != nil {
		return formatCUEError(err, path)
	}
	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge config: %w", err)
	}
	return nil
}

// formatCUEError flattens CUE errors into "path: field.sub: message" lines.
func formatCUEError(err error, path string) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return fmt.Errorf("%s: %w", path, err)
	}
	lines := make([]string, 0, len(list))
	for _, e := range list {
		field := strings.Join(cueerrors.Path(e), ".")
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if field != "" {
			msg = field + ": " + msg
		}
		lines = append(lines, msg)
	}
	return fmt.Errorf("%s: %w", path, errors.New(strings.Join(lines, "; ")))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
