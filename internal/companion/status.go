// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"time"

	"github.com/invowk/companion/internal/core/serverbase"
	"github.com/invowk/companion/internal/target"
)

type (
	// Status is a point-in-time snapshot of a server.
	Status struct {
		State           serverbase.State `json:"state" toml:"state" yaml:"state"`
		Target          target.Identity  `json:"target" toml:"target" yaml:"target"`
		TargetAvailable bool             `json:"target_available" toml:"target_available" yaml:"target_available"`
		Ports           []PortStatus     `json:"ports" toml:"ports" yaml:"ports"`
		Connections     int64            `json:"active_connections" toml:"active_connections" yaml:"active_connections"`
		InFlight        int64            `json:"in_flight_requests" toml:"in_flight_requests" yaml:"in_flight_requests"`
		StartedAt       *time.Time       `json:"started_at,omitempty" toml:"started_at,omitempty" yaml:"started_at,omitempty"`
		TerminatedAt    *time.Time       `json:"terminated_at,omitempty" toml:"terminated_at,omitempty" yaml:"terminated_at,omitempty"`
		Outcome         *OutcomeStatus   `json:"outcome,omitempty" toml:"outcome,omitempty" yaml:"outcome,omitempty"`
	}

	// PortStatus describes one bound listener.
	PortStatus struct {
		Service string `json:"service" toml:"service" yaml:"service"`
		Network string `json:"network" toml:"network" yaml:"network"`
		Address string `json:"address" toml:"address" yaml:"address"`
		Port    int    `json:"port,omitempty" toml:"port,omitempty" yaml:"port,omitempty"`
	}

	// OutcomeStatus is the serializable form of a terminal outcome.
	OutcomeStatus struct {
		Kind  serverbase.OutcomeKind `json:"kind" toml:"kind" yaml:"kind"`
		Error string                 `json:"error,omitempty" toml:"error,omitempty" yaml:"error,omitempty"`
	}
)

// Status returns a snapshot without taking any lock that request handling
// holds. A snapshot that reads Terminated always carries the outcome.
func (s *Server) Status() Status {
	state, o, terminated := s.base.Snapshot()
	st := Status{
		State:           state,
		Target:          target.Describe(s.target),
		TargetAvailable: s.target.IsAvailable(),
		Ports:           []PortStatus{},
		Connections:     s.conns.len(),
		InFlight:        s.inflight.Load(),
	}
	if started := s.base.StartedAt(); !started.IsZero() {
		st.StartedAt = &started
	}
	if terminated {
		at := o.At
		st.TerminatedAt = &at
		st.Outcome = &OutcomeStatus{Kind: o.Kind}
		if o.Err != nil {
			st.Outcome.Error = o.Err.Error()
		}
		return st
	}
	for _, b := range s.Bound() {
		st.Ports = append(st.Ports, PortStatus{
			Service: string(b.Service),
			Network: string(b.Network),
			Address: addrString(b.Addr),
			Port:    b.Port(),
		})
	}
	return st
}

// IsTerminated reports whether the snapshot was taken after termination.
func (st Status) IsTerminated() bool {
	return st.State == serverbase.StateTerminated
}
