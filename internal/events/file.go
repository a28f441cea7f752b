// SPDX-License-Identifier: MPL-2.0

package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
)

// FileReporter appends events to a newline-delimited JSON file.
type FileReporter struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	logger *log.Logger
	closed bool
}

// OpenFile opens (or creates) path for appending. Write failures are logged
// through logger and never surface to the recording caller.
func OpenFile(path string, logger *log.Logger) (*FileReporter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileReporter{f: f, enc: json.NewEncoder(f), logger: logger}, nil
}

// Record implements Reporter.
func (r *FileReporter) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err := r.enc.Encode(e); err != nil && r.logger != nil {
		r.logger.Error("write event", "kind", e.Kind, "err", err)
	}
}

// Close flushes and closes the file. Later Record calls are dropped.
func (r *FileReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
