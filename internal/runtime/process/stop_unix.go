//go:build !windows

package process

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// errNoInterrupt is only produced where no polite stop signal exists.
var errNoInterrupt = errors.New("graceful interrupt unsupported")

// interrupt sends SIGTERM to the backend's process group. uvicorn treats it
// as a request for graceful shutdown.
func (p *processInstance) interrupt() error {
	return p.signalGroup(unix.SIGTERM)
}

func (p *processInstance) forceKill() error {
	return p.signalGroup(unix.SIGKILL)
}

func (p *processInstance) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("signal process group %s (%s): %w", p.name, unix.SignalName(sig), err)
}
