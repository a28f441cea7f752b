// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package watch

import (
	"errors"

	"golang.org/x/sys/unix"
)

// exhausted reports inotify or descriptor exhaustion; the watcher cannot
// recover from these.
func exhausted(err error) bool {
	for _, errno := range []error{unix.ENOSPC, unix.EMFILE, unix.ENFILE} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
