//go:build windows

package decoder

import "os/exec"

// setProcessGroup is a no-op on Windows; Stop falls back to killing the
// single process rather than a process group.
func setProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
