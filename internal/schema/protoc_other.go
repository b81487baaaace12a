//go:build !unix

package schema

import (
	"os/exec"
	"syscall"
)

// 没有进程组的平台只依赖 terminate 中的进程树遍历。
func setProcessGroup(*exec.Cmd) {}

func signalGroup(int, syscall.Signal) error { return nil }
