package cli

import (
	stdcontext "context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/sidecar/internal/probe"
)

func newProbeCmd(ctx *context) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether a running backend is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := ctx.loadBackend()
			if err != nil {
				return err
			}
			prober, err := probe.New(spec.Readiness)
			if err != nil {
				return err
			}

			parent := cmd.Context()
			if parent == nil {
				parent = stdcontext.Background()
			}

			if !wait {
				probeCtx, cancel := stdcontext.WithTimeout(parent, spec.Readiness.Timeout.Duration)
				defer cancel()
				if err := prober.Probe(probeCtx); err != nil {
					return fmt.Errorf("%s not ready: %w", spec.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s ready at %s\n", spec.Name, spec.Address())
				return nil
			}

			waitCtx, cancel := stdcontext.WithTimeout(parent, spec.ReadyTimeout.Duration)
			defer cancel()
			var last error
			for evt := range probe.Watch(waitCtx, prober, spec.Readiness, nil) {
				if evt.Status == probe.StatusReady {
					fmt.Fprintf(cmd.OutOrStdout(), "%s ready at %s\n", spec.Name, spec.Address())
					return nil
				}
				last = evt.Err
			}
			if last != nil {
				return fmt.Errorf("%s not ready after %s: %w", spec.Name, spec.ReadyTimeout.Duration, last)
			}
			return fmt.Errorf("%s not ready after %s", spec.Name, spec.ReadyTimeout.Duration)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until ready or the ready timeout elapses")
	return cmd
}
