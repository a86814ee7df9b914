//go:build windows

package utils

import (
	"errors"
	"os"
	"os/exec"
)

// SetProcessGroup is a no-op on this platform.
func SetProcessGroup(cmd *exec.Cmd) {}

// KillProcessGroup kills cmd.
func KillProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
