// SPDX-License-Identifier: MPL-2.0

package serverbase

import "time"

// Option configures a Base instance.
type Option func(*Base)

// WithClock overrides the time source used to stamp transitions.
func WithClock(now func() time.Time) Option {
	return func(b *Base) {
		if now != nil {
			b.now = now
		}
	}
}
