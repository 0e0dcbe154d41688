package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/sidecar/internal/config"
)

const (
	envConfig       = "SIDECAR_CONFIG"
	envRuntime      = "SIDECAR_RUNTIME"
	envLogLevel     = "SIDECAR_LOG_LEVEL"
	envReadyTimeout = "SIDECAR_READY_TIMEOUT"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{configFile: os.Getenv(envConfig)}

	root := &cobra.Command{
		Use:   "sidecar",
		Short: "Launch and supervise the local application backend",
	}

	root.PersistentFlags().
		StringVarP(&ctx.configFile, "config", "c", ctx.configFile, "Path to backend configuration (built-in invocation when empty)")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newResolveCmd(ctx))
	root.AddCommand(newArgvCmd(ctx))
	root.AddCommand(newProbeCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))
	root.AddCommand(newStatusCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	configFile string
}

// loadBackend reads the configured backend specification and applies the
// SIDECAR_* environment overrides.
func (c *context) loadBackend() (*config.BackendSpec, error) {
	spec, err := config.LoadBackend(c.configFile)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(spec); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func applyEnvOverrides(spec *config.BackendSpec) error {
	if value := strings.TrimSpace(os.Getenv(envRuntime)); value != "" {
		spec.Runtime = value
	}
	if value := strings.TrimSpace(os.Getenv(envLogLevel)); value != "" {
		spec.LogLevel = strings.ToLower(value)
	}
	if value := strings.TrimSpace(os.Getenv(envReadyTimeout)); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", envReadyTimeout, value, err)
		}
		if timeout <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", envReadyTimeout, value)
		}
		spec.ReadyTimeout.Duration = timeout
	}
	return nil
}
