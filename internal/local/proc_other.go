//go:build !unix

package local

import "os/exec"

// setProcessGroup 在非 unix 平台上保持 exec.CommandContext 的默认行为，只杀死解释器本身。
func setProcessGroup(cmd *exec.Cmd) {}
