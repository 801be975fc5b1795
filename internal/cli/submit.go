package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/riffle/internal/config"
	"github.com/me/riffle/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <manifest.yaml>",
		Short: "Submit a manifest to the daemon and start a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}

			// Validate locally first for a fast, readable failure.
			if _, err := config.Parse(raw); err != nil {
				return err
			}

			resp, err := client.PostYAML("/api/v1/runs/", raw)
			if err != nil {
				return fmt.Errorf("submit run: %w", err)
			}

			var run model.Run
			if err := json.Unmarshal(resp.Data, &run); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Run created: %s\n", run.ID)
			if run.Label != "" {
				fmt.Printf("  Label:  %s\n", run.Label)
			}
			fmt.Printf("  Assays: %d\n", len(run.Assays))
			fmt.Printf("\nWatch progress with: riffle status %s\n", run.ID)
			return nil
		},
	}
}
