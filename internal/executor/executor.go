// SPDX-License-Identifier: MPL-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/invowk/companion/pkg/types"
)

var (
	// ErrUnknownCommand is the sentinel wrapped by UnknownCommandError.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrDuplicateCommand is returned when a name is registered twice.
	ErrDuplicateCommand = errors.New("command already registered")

	// ErrInvalidRequest is returned for requests a command cannot interpret.
	ErrInvalidRequest = errors.New("invalid request")
)

type (
	// Request is a transport-independent command invocation.
	Request struct {
		Command string         `json:"command"`
		Args    []string       `json:"args,omitempty"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Result is what an executor returns for a successful invocation. A
	// non-zero ExitCode is a command outcome, not an execution error.
	Result struct {
		Output   string         `json:"output,omitempty"`
		ExitCode types.ExitCode `json:"exit_code"`
		Data     map[string]any `json:"data,omitempty"`
	}

	// Executor runs requests against the target.
	Executor interface {
		Execute(ctx context.Context, req Request) (Result, error)
	}

	// Func adapts a function to the Executor interface.
	Func func(ctx context.Context, req Request) (Result, error)

	// Command is one named entry in a Registry.
	Command struct {
		Name    string
		Summary string
		Run     Func
	}

	// Registry routes requests to commands by name. It is safe for
	// concurrent use.
	Registry struct {
		mu       sync.RWMutex
		commands map[string]Command
	}

	// UnknownCommandError is returned when a request names no registered command.
	UnknownCommandError struct {
		Name string
	}
)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command.
func (r *Registry) Register(name, summary string, run Func) error {
	if name == "" || run == nil {
		return fmt.Errorf("register %q: %w", name, ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateCommand)
	}
	r.commands[name] = Command{Name: name, Summary: summary, Run: run}
	return nil
}

// Lookup returns the command registered under name.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[name]
	return c, ok
}

// Commands returns every registered command sorted by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, name := range slices.Sorted(maps.Keys(r.commands)) {
		out = append(out, r.commands[name])
	}
	return out
}

// Execute implements Executor.
func (r *Registry) Execute(ctx context.Context, req Request) (Result, error) {
	c, ok := r.Lookup(req.Command)
	if !ok {
		return Result{}, &UnknownCommandError{Name: req.Command}
	}
	return c.Run(ctx, req)
}

// Error implements the error interface.
func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}

// Unwrap returns ErrUnknownCommand for errors.Is() compatibility.
func (e *UnknownCommandError) Unwrap() error { return ErrUnknownCommand }
