// SPDX-License-Identifier: MPL-2.0

// Package config loads companion configuration with Viper.
//
// Sources, later wins: built-in defaults, a CUE file validated against the
// embedded schema (config_schema.cue), COMPANION_* environment variables,
// and explicit overrides from command-line flags. The file is
// <config dir>/companion/config.cue unless a path is given.
package config
