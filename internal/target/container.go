// SPDX-License-Identifier: MPL-2.0

package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/companion/internal/container"
	"github.com/invowk/companion/pkg/types"
)

const defaultPollInterval = 2 * time.Second

type (
	// Container is a running Docker or Podman container. Availability is the
	// container's Running flag, refreshed by Watch.
	Container struct {
		availability

		engine    container.Engine
		ref       container.ContainerID
		id        types.TargetID
		name      string
		interval  time.Duration
		logger    *log.Logger
		available atomic.Bool
	}

	// ContainerOption configures a Container target.
	ContainerOption func(*Container)
)

// WithPollInterval sets how often Watch inspects the container.
func WithPollInterval(d time.Duration) ContainerOption {
	return func(c *Container) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithContainerLogger sets the logger used for state changes.
func WithContainerLogger(l *log.Logger) ContainerOption {
	return func(c *Container) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewContainer inspects ref once and returns a target for it. The target ID
// is the container ID reported by the engine.
func NewContainer(ctx context.Context, engine container.Engine, ref container.ContainerID, opts ...ContainerOption) (*Container, error) {
	c := &Container{
		engine:   engine,
		ref:      ref,
		interval: defaultPollInterval,
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(c)
	}

	st, err := c.inspect(ctx)
	if err != nil {
		return nil, err
	}
	c.id = types.TargetID(shortID(st.ID))
	if err := c.id.Validate(); err != nil {
		return nil, fmt.Errorf("container %s: %w", ref, err)
	}
	c.name = st.Name
	if c.name == "" {
		c.name = ref.String()
	}
	c.available.Store(st.Running)
	return c, nil
}

// ID implements Handle.
func (c *Container) ID() types.TargetID { return c.id }

// Name implements Handle.
func (c *Container) Name() string { return c.name }

// Kind implements Handle.
func (c *Container) Kind() Kind { return KindContainer }

// Ref returns the engine reference used to reach the container.
func (c *Container) Ref() container.ContainerID { return c.ref }

// Engine returns the engine driving the container.
func (c *Container) Engine() container.Engine { return c.engine }

// IsAvailable implements Handle.
func (c *Container) IsAvailable() bool {
	return c.available.Load() && !c.isLost()
}

// Refresh inspects the container once and updates availability.
func (c *Container) Refresh(ctx context.Context) error {
	st, err := c.inspect(ctx)
	switch {
	case errors.Is(err, container.ErrContainerNotFound):
		c.lose("container removed")
		return nil
	case err != nil:
		return err
	case !st.Running:
		c.lose("container " + st.Status)
	}
	return nil
}

// Watch polls the container until ctx is done or the container stops.
// Transient engine errors are logged and retried on the next tick.
func (c *Container) Watch(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("inspect failed", "container", c.ref, "error", err)
		}
		if c.isLost() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Container) lose(reason string) {
	c.available.Store(false)
	if c.markLost() {
		c.logger.Warn("container target unavailable", "container", c.ref, "reason", reason)
	}
}

func (c *Container) inspect(ctx context.Context) (container.State, error) {
	var st container.State
	err := container.DefaultInspectRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		st, err = c.engine.Inspect(ctx, c.ref)
		return err
	})
	return st, err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
