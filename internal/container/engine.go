// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// EngineTypePodman selects the podman CLI.
	EngineTypePodman EngineType = "podman"
	// EngineTypeDocker selects the docker CLI.
	EngineTypeDocker EngineType = "docker"
)

var (
	// ErrEngineNotAvailable is the sentinel wrapped by EngineNotAvailableError.
	ErrEngineNotAvailable = errors.New("container engine not available")

	// ErrContainerNotFound is returned by Inspect when the engine does not know the container.
	ErrContainerNotFound = errors.New("container not found")
)

type (
	// EngineType identifies the container engine type.
	EngineType string

	// Engine is the subset of container engine operations a companion uses.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available checks if the engine is reachable on the system.
		Available(ctx context.Context) bool
		// Version returns the engine server version.
		Version(ctx context.Context) (string, error)
		// Inspect returns the runtime state of a container.
		Inspect(ctx context.Context, id ContainerID) (State, error)
		// Exec runs a command inside a running container.
		Exec(ctx context.Context, id ContainerID, command []string, opts ExecOptions) (ExecResult, error)
	}

	// ContainerID is a container name or ID as accepted by the engine CLI.
	ContainerID string

	// State is the subset of `inspect` output a companion cares about.
	State struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Image     string    `json:"image"`
		Running   bool      `json:"running"`
		Status    string    `json:"status"`
		StartedAt time.Time `json:"started_at"`
	}

	// ExecOptions configures Exec.
	ExecOptions struct {
		WorkDir string
		Env     map[string]string
		Stdin   io.Reader
		Stdout  io.Writer
		Stderr  io.Writer
	}

	// ExecResult contains the exit status of an Exec call.
	ExecResult struct {
		ExitCode int
	}

	// EngineNotAvailableError is returned when no usable engine binary is found.
	EngineNotAvailableError struct {
		Engine string
		Reason string
	}
)

// String returns the container reference.
func (id ContainerID) String() string { return string(id) }

// Error implements the error interface.
func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrEngineNotAvailable for errors.Is() compatibility.
func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineNotAvailable }

// NewEngine creates a container engine based on preference, falling back to
// the other engine when the preferred one is unavailable.
func NewEngine(ctx context.Context, preferredType EngineType) (Engine, error) {
	switch preferredType {
	case EngineTypePodman:
		if engine := NewPodmanEngine(); engine.Available(ctx) {
			return engine, nil
		}
		if engine := NewDockerEngine(); engine.Available(ctx) {
			return engine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: "podman",
			Reason: "podman is not installed or not accessible, and docker fallback is also not available",
		}

	case EngineTypeDocker:
		if engine := NewDockerEngine(); engine.Available(ctx) {
			return engine, nil
		}
		if engine := NewPodmanEngine(); engine.Available(ctx) {
			return engine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: "docker",
			Reason: "docker is not installed or not accessible, and podman fallback is also not available",
		}

	case "":
		return AutoDetectEngine(ctx)

	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferredType)
	}
}

// AutoDetectEngine tries to find an available container engine.
func AutoDetectEngine(ctx context.Context) (Engine, error) {
	if podman := NewPodmanEngine(); podman.Available(ctx) {
		return podman, nil
	}
	if docker := NewDockerEngine(); docker.Available(ctx) {
		return docker, nil
	}
	return nil, &EngineNotAvailableError{
		Engine: "any",
		Reason: "no container engine (podman or docker) is available on this system",
	}
}
