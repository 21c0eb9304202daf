//go:build !windows

package recorder

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the capture tool in its own session so
// termination signals reach the whole process tree, not just the
// wrapper the tool was launched through.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminateGroup(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func killGroup(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
