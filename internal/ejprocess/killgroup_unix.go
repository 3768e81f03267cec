//go:build !windows

package ejprocess

import (
	"os/exec"
	"syscall"
)

func init() {
	setupProcessGroup = func(cmd *exec.Cmd) {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

// killProcessGroup sends SIGKILL to the child's process group so that
// grandchildren spawned by build/run scripts are also terminated.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}
