// SPDX-License-Identifier: MPL-2.0

package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/companion/internal/watch"
	"github.com/invowk/companion/pkg/types"
)

// Socket is a target reachable through a Unix control socket. It is
// available while the socket file exists.
type Socket struct {
	availability

	id     types.TargetID
	name   string
	path   string
	logger *log.Logger
}

// NewSocket creates a socket target for path.
func NewSocket(id types.TargetID, name, path string, logger *log.Logger) (*Socket, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	abs, err := types.FilesystemPath(path).Abs()
	if err != nil {
		return nil, fmt.Errorf("socket target path: %w", err)
	}
	if name == "" {
		name = filepath.Base(abs.String())
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Socket{id: id, name: name, path: abs.String(), logger: logger}, nil
}

// ID implements Handle.
func (s *Socket) ID() types.TargetID { return s.id }

// Name implements Handle.
func (s *Socket) Name() string { return s.name }

// Kind implements Handle.
func (s *Socket) Kind() Kind { return KindSocket }

// Path returns the control socket path.
func (s *Socket) Path() string { return s.path }

// IsAvailable implements Handle.
func (s *Socket) IsAvailable() bool {
	if s.isLost() {
		return false
	}
	info, err := os.Stat(s.path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

// Watch blocks until ctx is done, marking the target unavailable as soon as
// the socket file or its directory disappears. It returns early once the
// target is lost.
func (s *Socket) Watch(ctx context.Context) error {
	w, err := watch.New(watch.Config{
		Dir:    filepath.Dir(s.path),
		Names:  []string{filepath.Base(s.path)},
		Settle: 50 * time.Millisecond,
		Logger: s.logger,
	})
	if err != nil {
		return fmt.Errorf("watch control socket: %w", err)
	}

	// The socket may have vanished between construction and registration.
	s.check()
	if s.isLost() {
		return nil
	}
	err = w.Run(ctx, func(changes []watch.Change) bool {
		for _, c := range changes {
			if !c.Present {
				s.check()
			}
		}
		return !s.isLost()
	})
	if errors.Is(err, watch.ErrDirGone) {
		s.check()
		return nil
	}
	return err
}

func (s *Socket) check() {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if s.markLost() {
			s.logger.Warn("control socket removed", "path", s.path, "udid", s.id)
		}
	}
}
