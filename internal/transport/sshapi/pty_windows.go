// SPDX-License-Identifier: MPL-2.0

//go:build windows

package sshapi

import (
	"errors"
	"os"
	"os/exec"

	"github.com/charmbracelet/ssh"
)

var errNoPty = errors.New("interactive shells are not supported on windows")

func startPty(*exec.Cmd, ssh.Window) (*os.File, error) { return nil, errNoPty }

func resizePty(*os.File, ssh.Window) {}
