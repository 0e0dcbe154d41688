package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/sidecar/internal/cliutil"
	"github.com/Paintersrp/sidecar/internal/runtime"
	"github.com/Paintersrp/sidecar/internal/supervisor"
)

const (
	logFormatAuto = "auto"
	logFormatText = "text"
	logFormatJSON = "json"
)

// resolveLogFormat maps the --log-format flag to a concrete format. Auto
// selects text for terminals and JSON otherwise.
func resolveLogFormat(value string, out io.Writer) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", logFormatAuto:
		if isTerminal(out) {
			return logFormatText, nil
		}
		return logFormatJSON, nil
	case logFormatText:
		return logFormatText, nil
	case logFormatJSON:
		return logFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want text, json or auto)", value)
	}
}

func isTerminal(v any) bool {
	f, ok := v.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func supportsInteractiveOutput(cmd *cobra.Command) bool {
	return isTerminal(cmd.OutOrStdout()) && isTerminal(cmd.InOrStdin())
}

// eventPrinter renders supervisor events. Text output sends warnings, errors
// and backend stderr to stderr; JSON output writes every record to stdout.
type eventPrinter struct {
	mu      sync.Mutex
	stdout  io.Writer
	stderr  io.Writer
	enc     *json.Encoder
	verbose bool
}

func newEventPrinter(stdout, stderr io.Writer, format string, verbose bool) *eventPrinter {
	p := &eventPrinter{stdout: stdout, stderr: stderr, verbose: verbose}
	if format == logFormatJSON {
		p.enc = json.NewEncoder(stdout)
	}
	return p
}

func (p *eventPrinter) print(evt supervisor.Event) {
	if evt.Level == "debug" && !p.verbose {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc != nil {
		cliutil.EncodeLogEvent(p.enc, p.stderr, evt)
		return
	}
	fmt.Fprintln(p.writerFor(evt), cliutil.FormatEventText(evt))
}

func (p *eventPrinter) writerFor(evt supervisor.Event) io.Writer {
	if evt.Type == supervisor.EventTypeLog {
		if evt.Source == runtime.LogSourceStderr {
			return p.stderr
		}
		return p.stdout
	}
	switch evt.Level {
	case "warn", "error":
		return p.stderr
	}
	return p.stdout
}

func printEvents(events <-chan supervisor.Event, p *eventPrinter) {
	for evt := range events {
		p.print(evt)
	}
}
