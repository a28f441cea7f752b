// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidTargetID is the sentinel error wrapped by InvalidTargetIDError.
var ErrInvalidTargetID = errors.New("invalid target id")

// targetIDPattern allows the characters found in device UDIDs, simulator
// UUIDs and container IDs. It excludes path separators because the ID names
// per-target log files.
var targetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

type (
	// TargetID is the stable identity (UDID) of the target a companion serves.
	TargetID string

	// InvalidTargetIDError is returned when a TargetID is empty or contains
	// characters outside the allowed set.
	InvalidTargetIDError struct {
		Value TargetID
	}
)

// String returns the string representation of the TargetID.
func (id TargetID) String() string { return string(id) }

// Validate returns an error if the TargetID is not usable as an identity.
func (id TargetID) Validate() error {
	if !targetIDPattern.MatchString(string(id)) {
		return &InvalidTargetIDError{Value: id}
	}
	return nil
}

// Error implements the error interface for InvalidTargetIDError.
func (e *InvalidTargetIDError) Error() string {
	return fmt.Sprintf("invalid target id %q: must match %s", e.Value, targetIDPattern)
}

// Unwrap returns ErrInvalidTargetID for errors.Is() compatibility.
func (e *InvalidTargetIDError) Unwrap() error { return ErrInvalidTargetID }
