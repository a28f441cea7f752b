// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"testing"
)

func TestSetHome(t *testing.T) {
	dir := t.TempDir()
	before, hadBefore := os.LookupEnv(HomeEnv())

	t.Run("inner", func(t *testing.T) {
		if got := SetHome(t, dir); got != dir {
			t.Errorf("SetHome() = %q, want %q", got, dir)
		}
		if home, _ := os.UserHomeDir(); home != dir {
			t.Errorf("UserHomeDir() = %q, want %q", home, dir)
		}
	})

	after, hadAfter := os.LookupEnv(HomeEnv())
	if after != before || hadAfter != hadBefore {
		t.Errorf("%s after subtest = %q (set %v), want %q (set %v)", HomeEnv(), after, hadAfter, before, hadBefore)
	}
}
