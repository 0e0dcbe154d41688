//go:build !windows && !linux

package process

import (
	"os/exec"
	"syscall"
)

// configureCmdSysProcAttr starts the backend in its own process group so
// stop signals reach the interpreter and any workers it forks.
func configureCmdSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
