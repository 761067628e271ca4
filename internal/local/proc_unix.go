//go:build unix

package local

import (
	"os/exec"
	"syscall"
)

// setProcessGroup 让解释器成为新进程组的组长，超时取消时杀死整个进程组，
// 包括用户代码派生的子进程。
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
