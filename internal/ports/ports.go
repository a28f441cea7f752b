// SPDX-License-Identifier: MPL-2.0

package ports

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/invowk/companion/pkg/types"
)

const (
	// ServiceGRPC is the structured command API.
	ServiceGRPC ServiceName = "grpc"
	// ServiceHTTP is the JSON status and command API.
	ServiceHTTP ServiceName = "http"
	// ServiceSSH is the interactive command console.
	ServiceSSH ServiceName = "ssh"

	// NetworkTCP binds a host:port address.
	NetworkTCP Network = "tcp"
	// NetworkUnix binds a filesystem socket path.
	NetworkUnix Network = "unix"
)

var (
	// ErrInvalidBinding is the sentinel error wrapped by InvalidBindingError.
	ErrInvalidBinding = errors.New("invalid port binding")

	// ErrEmptyConfig is returned when a Config has no bindings.
	ErrEmptyConfig = errors.New("ports configuration has no bindings")
)

type (
	// ServiceName names a companion service. Any non-empty lowercase name is
	// accepted; the built-in transports register grpc, http and ssh.
	ServiceName string

	// Network is the listener family of a binding.
	Network string

	// Binding asks for one listener for one service.
	Binding struct {
		Service ServiceName `json:"service"`
		Network Network     `json:"network"`
		// Address is host:port for tcp and a socket path for unix.
		Address string `json:"address"`
	}

	// Config is the immutable, ordered set of bindings a server must bind.
	Config struct {
		bindings []Binding
	}

	// InvalidBindingError describes why a binding was rejected.
	InvalidBindingError struct {
		Binding string
		Reason  string
	}
)

// String renders the binding in the form accepted by ParseBinding.
func (b Binding) String() string {
	return fmt.Sprintf("%s=%s://%s", b.Service, b.Network, b.Address)
}

// Validate checks the service name, network and address shape.
func (b Binding) Validate() error {
	if b.Service == "" || strings.ToLower(string(b.Service)) != string(b.Service) || strings.ContainsAny(string(b.Service), " =/") {
		return &InvalidBindingError{Binding: b.String(), Reason: "service name must be a non-empty lowercase identifier"}
	}
	switch b.Network {
	case NetworkTCP:
		_, portStr, err := net.SplitHostPort(b.Address)
		if err != nil {
			return &InvalidBindingError{Binding: b.String(), Reason: "tcp address must be host:port"}
		}
		if _, err := types.ParseListenPort(portStr); err != nil {
			return &InvalidBindingError{Binding: b.String(), Reason: err.Error()}
		}
	case NetworkUnix:
		if err := types.FilesystemPath(b.Address).Validate(); err != nil {
			return &InvalidBindingError{Binding: b.String(), Reason: err.Error()}
		}
	default:
		return &InvalidBindingError{Binding: b.String(), Reason: fmt.Sprintf("unsupported network %q (want tcp or unix)", b.Network)}
	}
	return nil
}

// ParseBinding parses "service=network://address". The network may be
// omitted for tcp ("grpc=127.0.0.1:10882"), and a bare port is shorthand for
// loopback ("grpc=10882").
func ParseBinding(s string) (Binding, error) {
	name, rest, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return Binding{}, &InvalidBindingError{Binding: s, Reason: "expected service=address"}
	}
	b := Binding{Service: ServiceName(strings.TrimSpace(name)), Network: NetworkTCP}

	if network, addr, found := strings.Cut(rest, "://"); found {
		b.Network = Network(network)
		b.Address = addr
	} else {
		b.Address = rest
	}
	if b.Network == NetworkTCP && !strings.Contains(b.Address, ":") {
		b.Address = net.JoinHostPort("127.0.0.1", b.Address)
	}

	if err := b.Validate(); err != nil {
		return Binding{}, err
	}
	return b, nil
}

// New builds a Config from bindings. At least one binding is required and a
// fixed tcp port or unix path may appear only once.
func New(bindings ...Binding) (Config, error) {
	if len(bindings) == 0 {
		return Config{}, ErrEmptyConfig
	}
	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if err := b.Validate(); err != nil {
			return Config{}, err
		}
		key := string(b.Network) + "://" + b.Address
		if b.Network == NetworkTCP && strings.HasSuffix(b.Address, ":0") {
			continue
		}
		if seen[key] {
			return Config{}, &InvalidBindingError{Binding: b.String(), Reason: "address is bound more than once"}
		}
		seen[key] = true
	}
	return Config{bindings: slices.Clone(bindings)}, nil
}

// Parse builds a Config from strings accepted by ParseBinding.
func Parse(specs []string) (Config, error) {
	bindings := make([]Binding, 0, len(specs))
	for _, s := range specs {
		b, err := ParseBinding(s)
		if err != nil {
			return Config{}, err
		}
		bindings = append(bindings, b)
	}
	return New(bindings...)
}

// Loopback returns a Config binding each service on 127.0.0.1 with a
// kernel-assigned port.
func Loopback(services ...ServiceName) Config {
	bindings := make([]Binding, 0, len(services))
	for _, s := range services {
		bindings = append(bindings, Binding{Service: s, Network: NetworkTCP, Address: "127.0.0.1:0"})
	}
	return Config{bindings: bindings}
}

// Bindings returns a copy of the configured bindings in order.
func (c Config) Bindings() []Binding {
	return slices.Clone(c.bindings)
}

// Len returns the number of bindings.
func (c Config) Len() int {
	return len(c.bindings)
}

// Services returns the distinct service names in first-seen order.
func (c Config) Services() []ServiceName {
	var out []ServiceName
	for _, b := range c.bindings {
		if !slices.Contains(out, b.Service) {
			out = append(out, b.Service)
		}
	}
	return out
}

// Error implements the error interface for InvalidBindingError.
func (e *InvalidBindingError) Error() string {
	return fmt.Sprintf("invalid port binding %q: %s", e.Binding, e.Reason)
}

// Unwrap returns ErrInvalidBinding for errors.Is() compatibility.
func (e *InvalidBindingError) Unwrap() error { return ErrInvalidBinding }
