// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidListenPort is the sentinel error wrapped by InvalidListenPortError.
var ErrInvalidListenPort = errors.New("invalid listen port")

type (
	// ListenPort represents a TCP port a companion service listens on.
	// The zero value (0) is valid and means "let the kernel pick a free port";
	// the bound port is then reported back through the status snapshot.
	ListenPort int

	// InvalidListenPortError is returned when a ListenPort value is
	// outside the valid range (0 or 1-65535).
	InvalidListenPortError struct {
		Value ListenPort
	}
)

// ParseListenPort parses a decimal port string and validates it.
func ParseListenPort(s string) (ListenPort, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse listen port %q: %w", s, ErrInvalidListenPort)
	}
	p := ListenPort(n)
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return p, nil
}

// String returns the decimal string representation of the ListenPort.
func (p ListenPort) String() string { return strconv.Itoa(int(p)) }

// IsAuto reports whether the port asks for kernel-assigned allocation.
func (p ListenPort) IsAuto() bool { return p == 0 }

// Validate returns an error if the ListenPort is outside the valid range.
func (p ListenPort) Validate() error {
	if p < 0 || p > 65535 {
		return &InvalidListenPortError{Value: p}
	}
	return nil
}

// Error implements the error interface for InvalidListenPortError.
func (e *InvalidListenPortError) Error() string {
	return fmt.Sprintf("invalid listen port %d: must be 0 (auto-select) or 1-65535", e.Value)
}

// Unwrap returns ErrInvalidListenPort for errors.Is() compatibility.
func (e *InvalidListenPortError) Unwrap() error { return ErrInvalidListenPort }
