// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidFilesystemPath is the sentinel error wrapped by InvalidFilesystemPathError.
var ErrInvalidFilesystemPath = errors.New("invalid filesystem path")

type (
	// FilesystemPath represents an absolute or relative filesystem path.
	// A valid path must be non-empty, not whitespace-only, and free of NUL bytes.
	FilesystemPath string

	// InvalidFilesystemPathError is returned when a FilesystemPath value
	// cannot name a file.
	InvalidFilesystemPathError struct {
		Value  FilesystemPath
		Reason string
	}
)

// String returns the string representation of the FilesystemPath.
func (p FilesystemPath) String() string { return string(p) }

// Validate returns an error if the path cannot name a file.
func (p FilesystemPath) Validate() error {
	switch {
	case strings.TrimSpace(string(p)) == "":
		return &InvalidFilesystemPathError{Value: p, Reason: "must be non-empty"}
	case strings.ContainsRune(string(p), 0):
		return &InvalidFilesystemPathError{Value: p, Reason: "must not contain NUL bytes"}
	}
	return nil
}

// Abs returns the cleaned absolute form of the path.
func (p FilesystemPath) Abs() (FilesystemPath, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(string(p))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	return FilesystemPath(abs), nil
}

// Join appends elements to the path.
func (p FilesystemPath) Join(elem ...string) FilesystemPath {
	return FilesystemPath(filepath.Join(append([]string{string(p)}, elem...)...))
}

// Error implements the error interface for InvalidFilesystemPathError.
func (e *InvalidFilesystemPathError) Error() string {
	return fmt.Sprintf("invalid filesystem path %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidFilesystemPath for errors.Is() compatibility.
func (e *InvalidFilesystemPathError) Unwrap() error { return ErrInvalidFilesystemPath }
