package process

import (
	"os/exec"
	"syscall"
)

// configureCmdSysProcAttr starts the backend in its own process group and
// asks the kernel to terminate it if the sidecar dies without running its
// shutdown path.
func configureCmdSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
