//go:build windows

package ejprocess

import "os/exec"

// killProcessGroup falls back to killing the single process on platforms
// without POSIX process groups.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
