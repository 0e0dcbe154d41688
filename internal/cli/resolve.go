package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/sidecar/internal/pathres"
)

func newResolveCmd(ctx *context) *cobra.Command {
	var showRoot bool
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the backend working directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showRoot {
				root, err := pathres.InstallationRoot()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), root)
				return nil
			}

			spec, err := ctx.loadBackend()
			if err != nil {
				return err
			}
			dir := spec.Workdir
			if dir == "" {
				dir, err = pathres.ResolveBackendRoot(spec.WorkdirOffset)
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showRoot, "root", false, "Print the installation root instead")
	return cmd
}
