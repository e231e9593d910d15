//go:build windows

package shell

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// terminateProcess has no graceful form on Windows.
func terminateProcess(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
