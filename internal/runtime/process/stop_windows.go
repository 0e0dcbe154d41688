//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// errNoInterrupt means the backend cannot be asked to stop politely and must
// be killed. A child without a console never receives CTRL_BREAK, even when
// GenerateConsoleCtrlEvent reports success.
var errNoInterrupt = errors.New("graceful interrupt unsupported")

func (p *processInstance) interrupt() error {
	if consoleless(p.cmd) {
		return errNoInterrupt
	}
	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.cmd.Process.Pid)); err != nil {
		return errNoInterrupt
	}
	return nil
}

func (p *processInstance) forceKill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %s: %w", p.name, err)
	}
	return nil
}
