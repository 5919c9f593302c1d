package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/kmsway/internal/config"
	"github.com/bnema/kmsway/internal/ipc"
	"github.com/bnema/kmsway/internal/ui"
)

var (
	jsonOutput   bool
	queryTimeout time.Duration
)

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "Show the outputs driven by a running kmsway",
	Long:  `Query the running daemon over its status socket and print every device and output it drives.`,
	RunE:  runOutputs,
}

func init() {
	outputsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	outputsCmd.Flags().DurationVar(&queryTimeout, "timeout", 5*time.Second, "How long to wait for the daemon")
}

func runOutputs(cmd *cobra.Command, args []string) error {
	client := ipc.NewClient(config.Get().IPC.SocketPath, queryTimeout)
	snap, err := client.Status()
	if err != nil {
		return fmt.Errorf("failed to query daemon: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	_, err = fmt.Fprintln(out, ui.OutputsTable(snap))
	return err
}
