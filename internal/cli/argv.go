package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/sidecar/internal/supervisor"
)

func newArgvCmd(ctx *context) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "argv",
		Short: "Print the command used to launch the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := ctx.loadBackend()
			if err != nil {
				return err
			}
			argv := supervisor.Command(spec)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				return enc.Encode(argv)
			}
			fmt.Fprintln(cmd.OutOrStdout(), shellJoin(argv))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the argument vector as a JSON array")
	return cmd
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		if arg == "" || strings.ContainsAny(arg, " \t\"'\\$") {
			quoted[i] = strconv.Quote(arg)
			continue
		}
		quoted[i] = arg
	}
	return strings.Join(quoted, " ")
}
