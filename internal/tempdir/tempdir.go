// SPDX-License-Identifier: MPL-2.0

// Package tempdir validates and hands out the scratch directory a companion
// uses for transient files. Cleaning it up is the owner's responsibility.
package tempdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invowk/companion/pkg/types"
)

// ErrNotWritable is the sentinel error wrapped by NotWritableError.
var ErrNotWritable = errors.New("temporary directory is not writable")

type (
	// Dir is a scratch directory path.
	Dir types.FilesystemPath

	// NotWritableError reports why a Dir failed validation.
	NotWritableError struct {
		Path string
		Err  error
	}
)

// Default returns a companion directory under the OS temp dir.
func Default() Dir {
	return Dir(filepath.Join(os.TempDir(), "companion"))
}

// String returns the path.
func (d Dir) String() string { return string(d) }

// Path returns the path as a FilesystemPath.
func (d Dir) Path() types.FilesystemPath { return types.FilesystemPath(d) }

// Ensure creates the directory if it does not exist and validates it.
func (d Dir) Ensure() error {
	if err := d.Path().Validate(); err != nil {
		return &NotWritableError{Path: string(d), Err: err}
	}
	if err := os.MkdirAll(string(d), 0o700); err != nil {
		return &NotWritableError{Path: string(d), Err: err}
	}
	return d.Validate()
}

// Validate checks that the directory exists and accepts a probe file.
func (d Dir) Validate() error {
	if err := d.Path().Validate(); err != nil {
		return &NotWritableError{Path: string(d), Err: err}
	}
	info, err := os.Stat(string(d))
	if err != nil {
		return &NotWritableError{Path: string(d), Err: err}
	}
	if !info.IsDir() {
		return &NotWritableError{Path: string(d), Err: errors.New("not a directory")}
	}
	probe, err := os.CreateTemp(string(d), ".probe-*")
	if err != nil {
		return &NotWritableError{Path: string(d), Err: err}
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		_ = os.Remove(name)
		return &NotWritableError{Path: string(d), Err: err}
	}
	if err := os.Remove(name); err != nil {
		return &NotWritableError{Path: string(d), Err: err}
	}
	return nil
}

// Scratch creates a fresh subdirectory whose name starts with prefix.
func (d Dir) Scratch(prefix string) (Dir, error) {
	prefix = strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(prefix)
	p, err := os.MkdirTemp(string(d), prefix+"-*")
	if err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	return Dir(p), nil
}

// Error implements the error interface for NotWritableError.
func (e *NotWritableError) Error() string {
	return fmt.Sprintf("temporary directory %q is not writable: %v", e.Path, e.Err)
}

// Unwrap returns ErrNotWritable and the underlying cause.
func (e *NotWritableError) Unwrap() []error { return []error{ErrNotWritable, e.Err} }
