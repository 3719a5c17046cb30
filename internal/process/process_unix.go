//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// Scripts fork interpreters and workers of their own, so the whole process
// group is killed on timeout.
func killProcessGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
