// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"testing"
)

func TestTargetID_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		id      TargetID
		wantErr bool
	}{
		{"simulator uuid", "8A1F3C2E-4B7D-4E0A-9C11-2F5D6E7A8B90", false},
		{"device udid", "00008030-001A2D8E0C42802E", false},
		{"container id", "3f4e9a1b2c7d", false},
		{"host name", "build-host.local", false},
		{"empty", "", true},
		{"leading dash", "-abc", true},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
		{"space", "a b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.id.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("TargetID(%q).Validate() error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrInvalidTargetID) {
				t.Errorf("error should wrap ErrInvalidTargetID, got: %v", err)
			}
			var idErr *InvalidTargetIDError
			if !errors.As(err, &idErr) || idErr.Value != tt.id {
				t.Errorf("error should be *InvalidTargetIDError{%q}, got: %#v", tt.id, err)
			}
		})
	}
}
