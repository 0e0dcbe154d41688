package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/sidecar/internal/api"
)

const statusRequestTimeout = 5 * time.Second

func newStatusCmd() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running sidecar for the backend status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, raw, err := fetchStatus(cmd, addr)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				_, err := out.Write(raw)
				return err
			}
			return renderStatus(out, report, time.Now())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8011", "Address of the sidecar control API (see run --control-addr)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")
	return cmd
}

func fetchStatus(cmd *cobra.Command, addr string) (*api.StatusReport, []byte, error) {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/api/v1/status", nil)
	if err != nil {
		return nil, nil, err
	}
	client := &http.Client{Timeout: statusRequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("query status: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("query status: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var report api.StatusReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, raw, nil
}

func renderStatus(out io.Writer, report *api.StatusReport, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tREADY\tPID\tADDRESS\tAGE\tSESSION")

	ready := "No"
	if report.Ready {
		ready = "Yes"
	}
	pid := "-"
	if report.PID > 0 {
		pid = fmt.Sprintf("%d", report.PID)
	}
	age := "-"
	if report.StartedAt != nil && report.Running {
		age = units.HumanDuration(now.Sub(*report.StartedAt))
	}
	state := strings.ReplaceAll(string(report.State), "_", " ")
	if report.StartedAt != nil && !report.Running {
		state = "exited"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", report.Service, state, ready, pid, report.Address, age, report.Session)
	if err := w.Flush(); err != nil {
		return err
	}
	if report.ExitError != "" {
		fmt.Fprintf(out, "exit: %s\n", report.ExitError)
	}
	return nil
}
