package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/riffle/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest.yaml>",
		Short: "Validate an experiment manifest without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.Load(args[0])
			if err != nil {
				return err
			}

			programs, err := m.Programs()
			if err != nil {
				return fmt.Errorf("expanding assays: %w", err)
			}

			fmt.Printf("Manifest OK: %s\n", args[0])
			if m.Label != "" {
				fmt.Printf("  Label:  %s\n", m.Label)
			}
			fmt.Printf("  Valves: %d\n", len(m.Rig.Valves))
			fmt.Printf("  Assays: %d\n", len(programs))
			for _, p := range programs {
				fmt.Printf("    - %s: %d operations on device %s\n",
					p.AssayID, len(p.Operations), p.Device)
			}
			return nil
		},
	}
}
