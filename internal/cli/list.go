package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/riffle/pkg/model"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/runs/")
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			var runs []model.Run
			if err := json.Unmarshal(resp.Data, &runs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			fmt.Printf("%-42s  %-10s  %-20s  %-24s  %s\n", "ID", "STATE", "LABEL", "ASSAYS", "CREATED")
			fmt.Printf("%-42s  %-10s  %-20s  %-24s  %s\n", "--", "-----", "-----", "------", "-------")
			for _, r := range runs {
				fmt.Printf("%-42s  %-10s  %-20s  %-24s  %s\n",
					r.ID, r.State, r.Label, strings.Join(r.Assays, ","),
					r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
