//go:build !windows

package rac

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the tool into its own process group so a timeout
// kills every child it spawned, not only the direct child.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
