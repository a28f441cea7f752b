// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package sshapi

import (
	"os"
	"os/exec"

	"github.com/charmbracelet/ssh"
	"github.com/creack/pty"
)

func startPty(cmd *exec.Cmd, win ssh.Window) (*os.File, error) {
	return pty.StartWithSize(cmd, winsize(win))
}

func resizePty(f *os.File, win ssh.Window) {
	_ = pty.Setsize(f, winsize(win))
}

func winsize(win ssh.Window) *pty.Winsize {
	return &pty.Winsize{Rows: uint16(win.Height), Cols: uint16(win.Width)} //nolint:gosec // terminal sizes fit in uint16
}
