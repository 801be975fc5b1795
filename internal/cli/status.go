package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/riffle/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Check the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/runs/" + id)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			var run model.Run
			if err := json.Unmarshal(resp.Data, &run); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Run: %s\n", run.ID)
			if run.Label != "" {
				fmt.Printf("  Label:   %s\n", run.Label)
			}
			fmt.Printf("  State:   %s\n", run.State)
			if run.Error != "" {
				fmt.Printf("  Error:   %s\n", run.Error)
			}
			fmt.Printf("  Created: %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
			if run.CompletedAt != nil {
				fmt.Printf("  Completed: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
			}

			sumResp, err := client.Get("/api/v1/runs/" + id + "/summary")
			if err != nil {
				return fmt.Errorf("get summary: %w", err)
			}
			var summaries []model.Summary
			if err := json.Unmarshal(sumResp.Data, &summaries); err != nil {
				return fmt.Errorf("parse summary: %w", err)
			}

			if len(summaries) > 0 {
				fmt.Println("  Assays:")
				for _, s := range summaries {
					fmt.Printf("    - %s: %d/%d completed", s.AssayID, s.Completed, s.Total)
					if s.Missed > 0 {
						fmt.Printf(", %d missed", s.Missed)
					}
					if s.Errored > 0 {
						fmt.Printf(", %d errored", s.Errored)
					}
					if s.Aborted > 0 {
						fmt.Printf(", %d aborted", s.Aborted)
					}
					if s.MaxSlip > 0 {
						fmt.Printf(", max slip %s", s.MaxSlip)
					}
					fmt.Println()
				}
			}
			return nil
		},
	}
}
