// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestFilesystemPath_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    FilesystemPath
		wantErr bool
	}{
		{"absolute", "/tmp/companion", false},
		{"relative", "scratch/dir", false},
		{"empty", "", true},
		{"whitespace", "  \t", true},
		{"nul byte", "bad\x00path", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.path.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidFilesystemPath) {
				t.Errorf("error should wrap ErrInvalidFilesystemPath, got: %v", err)
			}
		})
	}
}

func TestFilesystemPath_Abs(t *testing.T) {
	t.Parallel()

	got, err := FilesystemPath("scratch").Abs()
	if err != nil {
		t.Fatalf("Abs() error = %v", err)
	}
	if !filepath.IsAbs(got.String()) {
		t.Errorf("Abs() = %q, want absolute path", got)
	}

	if _, err := FilesystemPath("").Abs(); !errors.Is(err, ErrInvalidFilesystemPath) {
		t.Errorf("Abs() on empty path error = %v, want ErrInvalidFilesystemPath", err)
	}
}

func TestFilesystemPath_Join(t *testing.T) {
	t.Parallel()

	got := FilesystemPath("/var/tmp").Join("companion", "udid.log")
	want := FilesystemPath(filepath.Join("/var/tmp", "companion", "udid.log"))
	if got != want {
		t.Errorf("Join() = %q, want %q", got, want)
	}
}
