package cli

import (
	stdcontext "context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/sidecar/internal/api"
	httpapi "github.com/Paintersrp/sidecar/internal/api/http"
	"github.com/Paintersrp/sidecar/internal/logmux"
	"github.com/Paintersrp/sidecar/internal/metrics"
	"github.com/Paintersrp/sidecar/internal/shell"
	"github.com/Paintersrp/sidecar/internal/supervisor"
	"github.com/Paintersrp/sidecar/internal/tui"
)

const (
	eventBuffer      = 512
	printerDrainWait = time.Second
)

type runOptions struct {
	headless        bool
	controlAddr     string
	logFormat       string
	requireBackend  bool
	exitWithBackend bool
	stopTimeout     time.Duration
	verbose         bool
}

func newRunCmd(ctx *context) *cobra.Command {
	opts := runOptions{logFormat: logFormatAuto, stopTimeout: shell.DefaultStopTimeout}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the backend and run the shell host until it exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.headless, "headless", false, "Run without the terminal interface")
	flags.StringVar(&opts.controlAddr, "control-addr", "", "Serve the status API and Prometheus metrics on this address")
	flags.StringVar(&opts.logFormat, "log-format", opts.logFormat, "Diagnostics format: text, json or auto")
	flags.BoolVar(&opts.requireBackend, "require-backend", false, "Exit with an error when the backend cannot be spawned")
	flags.BoolVar(&opts.exitWithBackend, "exit-with-backend", false, "Exit when the backend process terminates (headless only)")
	flags.DurationVar(&opts.stopTimeout, "stop-timeout", opts.stopTimeout, "Maximum time to wait for the backend to stop")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Include readiness probe failures in diagnostics")

	return cmd
}

func runShell(cmd *cobra.Command, ctx *context, opts runOptions) error {
	spec, err := ctx.loadBackend()
	if err != nil {
		return err
	}
	format, err := resolveLogFormat(opts.logFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = stdcontext.Background()
	}

	sup := supervisor.New(spec)
	defer metrics.ResetBackend(spec.Name)

	if opts.controlAddr != "" {
		shutdown, err := serveControl(runCtx, opts.controlAddr, sup, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer shutdown()
	}

	mux := logmux.New(eventBuffer)
	mux.Add(sup.Events())
	go mux.Close()

	printer := newEventPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), format, opts.verbose)
	drained := make(chan struct{})

	var host shell.Host
	if !opts.headless && supportsInteractiveOutput(cmd) {
		ui := tui.New(tui.WithAddress(spec.Address()), tui.WithStopFunc(sup.Stop))
		go func() {
			defer close(drained)
			defer ui.CloseEvents()
			forwardToUI(mux.Output(), ui, printer)
		}()
		host = ui
	} else {
		go func() {
			defer close(drained)
			printEvents(mux.Output(), printer)
		}()
		var hostOpts []shell.HeadlessOption
		if opts.exitWithBackend {
			hostOpts = append(hostOpts, shell.ExitWithBackend(sup.Done()))
		}
		host = shell.NewHeadless(hostOpts...)
	}

	err = shell.Launch(runCtx, sup, host,
		shell.WithRequireBackend(opts.requireBackend),
		shell.WithStopTimeout(opts.stopTimeout),
	)

	select {
	case <-drained:
	case <-time.After(printerDrainWait):
	}
	return err
}

// forwardToUI feeds events to the terminal interface while it runs and falls
// back to the printer once it has stopped, so shutdown diagnostics stay
// visible.
func forwardToUI(events <-chan supervisor.Event, ui *tui.UI, printer *eventPrinter) {
	for evt := range events {
		select {
		case <-ui.Done():
			printer.print(evt)
			continue
		default:
		}
		select {
		case ui.EventSink() <- evt:
		case <-ui.Done():
			printer.print(evt)
		}
	}
}

// serveControl exposes the status API and metrics until the returned
// shutdown function is called.
func serveControl(ctx stdcontext.Context, addr string, sup *supervisor.Supervisor, stderr io.Writer) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control listener: %w", err)
	}
	server, err := httpapi.NewServer(httpapi.Config{
		Controller: api.NewSupervisorController(sup),
		Metrics:    metrics.Handler(),
		Listener:   ln,
	})
	if err != nil {
		ln.Close()
		return nil, err
	}

	serveCtx, cancel := stdcontext.WithCancel(stdcontext.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Run(serveCtx); err != nil {
			fmt.Fprintf(stderr, "error: control server: %v\n", err)
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
