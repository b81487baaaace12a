//go:build unix

package schema

import (
	"os/exec"
	"syscall"
)

// setProcessGroup 让生成器成为新进程组的组长，取消时可以一次结束它派生的所有进程。
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
