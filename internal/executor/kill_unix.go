//go:build !windows

package executor

import "syscall"

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
