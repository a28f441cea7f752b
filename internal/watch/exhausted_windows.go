// SPDX-License-Identifier: MPL-2.0

//go:build windows

package watch

import (
	"errors"

	"golang.org/x/sys/windows"
)

// exhausted reports handle or buffer exhaustion, and a directory handle that
// went stale underneath ReadDirectoryChangesW.
func exhausted(err error) bool {
	for _, errno := range []error{
		windows.ERROR_TOO_MANY_OPEN_FILES,
		windows.ERROR_NOT_ENOUGH_MEMORY,
		windows.ERROR_INVALID_HANDLE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
