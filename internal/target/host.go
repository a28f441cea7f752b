// SPDX-License-Identifier: MPL-2.0

package target

import (
	"os"

	"github.com/invowk/companion/pkg/types"
)

// Host is the machine the companion runs on. It stays available until the
// owner calls MarkUnavailable.
type Host struct {
	availability

	id   types.TargetID
	name string
}

// NewHost creates a host target. An empty name defaults to the hostname.
func NewHost(id types.TargetID, name string) (*Host, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name, _ = os.Hostname()
	}
	return &Host{id: id, name: name}, nil
}

// ID implements Handle.
func (h *Host) ID() types.TargetID { return h.id }

// Name implements Handle.
func (h *Host) Name() string { return h.name }

// Kind implements Handle.
func (h *Host) Kind() Kind { return KindHost }

// IsAvailable implements Handle.
func (h *Host) IsAvailable() bool { return !h.isLost() }

// MarkUnavailable reports the host as gone, notifying subscribers once.
func (h *Host) MarkUnavailable() {
	h.markLost()
}
