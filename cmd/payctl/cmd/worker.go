package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Control spool workers",
}

// runWorkerCmd represents the worker run command
var runWorkerCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one bounded worker pass over the spool",
	Long: `Run one worker pass: claim up to --limit due spool entries for the
authenticated workspace and deliver them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := makeHTTPRequest("POST", fmt.Sprintf("/v1/worker/run?limit=%d", limit), nil)
		if err != nil {
			return fmt.Errorf("worker pass failed: %w", err)
		}
		var out struct {
			Claimed      int `json:"claimed"`
			Completed    int `json:"completed"`
			Retried      int `json:"retried"`
			DeadLettered int `json:"dead_lettered"`
			Skipped      int `json:"skipped"`
			Failed       int `json:"failed"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}
		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Claimed: %d  Completed: %d  Retried: %d  Dead-lettered: %d  Skipped: %d  Failed: %d\n",
				out.Claimed, out.Completed, out.Retried, out.DeadLettered, out.Skipped, out.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(runWorkerCmd)

	runWorkerCmd.Flags().Int("limit", 25, "max spool entries to claim (1-50)")
}
