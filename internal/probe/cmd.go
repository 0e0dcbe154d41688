package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Paintersrp/sidecar/internal/config"
)

const (
	outputTailBytes  = 200
	commandWaitDelay = time.Second
)

// commandProber treats a zero exit status as ready. The tail of the command's
// combined output is kept in the failure reason.
type commandProber struct {
	command []string
}

func newCommandProber(spec *config.CommandProbe) (Prober, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("probe: command requires at least one argument")
	}
	return &commandProber{command: append([]string(nil), spec.Command...)}, nil
}

func (p *commandProber) Probe(ctx context.Context) error {
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = commandWaitDelay

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if tail := outputTail(output.Bytes()); tail != "" {
			return fmt.Errorf("exit %d: %s", exitErr.ExitCode(), tail)
		}
		return fmt.Errorf("exit %d", exitErr.ExitCode())
	}
	return fmt.Errorf("command failed: %w", err)
}

func outputTail(out []byte) string {
	text := strings.TrimSpace(string(out))
	if len(text) > outputTailBytes {
		text = "..." + text[len(text)-outputTailBytes:]
	}
	return strings.Join(strings.Fields(text), " ")
}
