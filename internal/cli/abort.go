package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAbortCmd() *cobra.Command {
	var assay string

	cmd := &cobra.Command{
		Use:   "abort <run_id>",
		Short: "Abort a live run, or one assay of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/runs/" + args[0] + "/abort"
			if assay != "" {
				path += "?assay=" + assay
			}

			if _, err := client.Post(path); err != nil {
				return fmt.Errorf("abort: %w", err)
			}

			if assay != "" {
				fmt.Printf("Abort requested for assay %s of run %s\n", assay, args[0])
			} else {
				fmt.Printf("Abort requested for run %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&assay, "assay", "", "Abort only this assay, leaving siblings running")
	return cmd
}
