// Package cli implements the riffle command line client.
package cli

import (
	"log/slog"
	"os"

	"github.com/me/riffle/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default daemon URL, checking RIFFLE_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("RIFFLE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the riffle CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "riffle",
		Short: "riffle: resource-arbitrated scheduling for eMITOMI experiments",
		Long: "riffle plans, simulates, and submits automated microfluidic experiment\n" +
			"manifests, interleaving assays over shared bench hardware.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.New(flagLogLevel, flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "riffled daemon URL (or RIFFLE_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newValidateCmd(),
		newPlanCmd(),
		newRunCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newReportCmd(),
		newAbortCmd(),
	)

	return root
}
