// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strings"
	"time"
)

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	// This allows injection of mock implementations for testing.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine provides the implementation shared by CLI-based engines.
	// Docker and Podman embed it; only Name, Available and Version differ.
	BaseCLIEngine struct {
		name        string
		binaryPath  string
		execCommand ExecCommandFunc
	}

	// inspectDocument mirrors the fields of `<engine> inspect` output we read.
	// Docker and Podman agree on this shape.
	inspectDocument struct {
		ID     string `json:"Id"`
		Name   string `json:"Name"`
		Config struct {
			Image string `json:"Image"`
		} `json:"Config"`
		State struct {
			Status    string `json:"Status"`
			Running   bool   `json:"Running"`
			StartedAt string `json:"StartedAt"`
		} `json:"State"`
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.name = name
	}
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// NewBaseCLIEngine creates a new base engine with the given binary path.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:  binaryPath,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the path to the container engine binary.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// InspectArgs constructs arguments for a container inspect command.
//
// Generated command: <binary> container inspect --type container <id>
func (e *BaseCLIEngine) InspectArgs(id ContainerID) []string {
	return []string{"container", "inspect", "--type", "container", string(id)}
}

// ExecArgs constructs arguments for a container exec command.
//
// Generated command: <binary> exec [options] <container> <command...>
func (e *BaseCLIEngine) ExecArgs(id ContainerID, command []string, opts ExecOptions) []string {
	args := []string{"exec"}

	if opts.Stdin != nil {
		args = append(args, "-i")
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	// Sorted for stable argument order.
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	args = append(args, string(id))
	args = append(args, command...)

	return args
}

// Inspect runs `inspect` and decodes the container state.
func (e *BaseCLIEngine) Inspect(ctx context.Context, id ContainerID) (State, error) {
	cmd := e.CreateCommand(ctx, e.InspectArgs(id)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if isNoSuchContainer(stderr.String()) {
			return State{}, fmt.Errorf("%s inspect %s: %w", e.name, id, ErrContainerNotFound)
		}
		return State{}, fmt.Errorf("%s inspect %s: %w (%s)", e.name, id, err, strings.TrimSpace(stderr.String()))
	}

	var docs []inspectDocument
	if err := json.Unmarshal(stdout.Bytes(), &docs); err != nil {
		return State{}, fmt.Errorf("%s inspect %s: decode output: %w", e.name, id, err)
	}
	if len(docs) == 0 {
		return State{}, fmt.Errorf("%s inspect %s: %w", e.name, id, ErrContainerNotFound)
	}

	doc := docs[0]
	st := State{
		ID:      doc.ID,
		Name:    strings.TrimPrefix(doc.Name, "/"),
		Image:   doc.Config.Image,
		Running: doc.State.Running,
		Status:  doc.State.Status,
	}
	if started, err := time.Parse(time.RFC3339Nano, doc.State.StartedAt); err == nil {
		st.StartedAt = started
	}
	return st, nil
}

// Exec runs a command in a running container.
func (e *BaseCLIEngine) Exec(ctx context.Context, id ContainerID, command []string, opts ExecOptions) (ExecResult, error) {
	cmd := e.CreateCommand(ctx, e.ExecArgs(id, command, opts)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExecResult{ExitCode: exitErr.ExitCode()}, nil
		}
		return ExecResult{ExitCode: 1}, fmt.Errorf("%s exec %s: %w", e.name, id, err)
	}
	return ExecResult{}, nil
}

// RunCommandStatus executes a command and returns only the error status.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	cmd := e.CreateCommand(ctx, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return nil
}

// RunCommandWithOutput executes a command with stdout captured to a buffer.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}

	return out.String(), nil
}

// CreateCommand creates an exec.Cmd for the given arguments.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such object") ||
		strings.Contains(s, "no container with name or id")
}
