package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/me/riffle/pkg/model"
)

func newReportCmd() *cobra.Command {
	var assay string

	cmd := &cobra.Command{
		Use:   "report <run_id>",
		Short: "Print a run's execution report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/runs/" + args[0] + "/report"
			if assay != "" {
				path += "?assay=" + assay
			}

			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("get report: %w", err)
			}

			var entries []model.ReportEntry
			if err := json.Unmarshal(resp.Data, &entries); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(entries) == 0 {
				fmt.Println("No report entries yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ASSAY\tOP\tRESOURCE\tACTION\tOUTCOME\tSTARTED\tSLIP\tDETAIL")
			for _, e := range entries {
				started := "-"
				if e.StartedAt != nil {
					started = e.StartedAt.Format("15:04:05")
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.AssayID, e.OpIndex, e.Resource, e.Action, e.Outcome, started, e.Slip, e.Detail)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&assay, "assay", "", "Only show entries for one assay")
	return cmd
}
