package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// reconCmd represents the recon command
var reconCmd = &cobra.Command{
	Use:   "recon",
	Short: "Run provider reconciliation",
	Long:  `Start reconciliation runs that diff local events and jobs against provider listings.`,
}

// runReconCmd represents the recon run command
var runReconCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a reconciliation run for the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		batchID, _ := cmd.Flags().GetString("batch-id")

		body := map[string]interface{}{}
		if batchID != "" {
			body["batch_id"] = batchID
		}
		resp, err := makeHTTPRequest("POST", "/v1/recon/runs", body)
		if err != nil {
			return fmt.Errorf("failed to start reconciliation run: %w", err)
		}
		var out struct {
			Run struct {
				ID                 string `json:"id"`
				Status             string `json:"status"`
				ItemsProcessed     int    `json:"items_processed"`
				DiscrepanciesFound int    `json:"discrepancies_found"`
			} `json:"run"`
			Report struct {
				DiscrepancyCounters struct {
					MissingReceipts      int `json:"missing_receipts"`
					MissingDeliveries    int `json:"missing_deliveries"`
					FailedVerifications  int `json:"failed_verifications"`
					ProviderMismatches   int `json:"provider_mismatches"`
					ProviderPullFailures int `json:"provider_pull_failures"`
				} `json:"discrepancy_counters"`
				Notes string `json:"notes"`
			} `json:"report"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		fmt.Printf("Run: %s (%s)\n", out.Run.ID, out.Run.Status)
		fmt.Printf("  Items processed: %d\n", out.Run.ItemsProcessed)
		fmt.Printf("  Discrepancies: %d\n", out.Run.DiscrepanciesFound)
		dc := out.Report.DiscrepancyCounters
		fmt.Printf("    missing receipts: %d\n", dc.MissingReceipts)
		fmt.Printf("    missing deliveries: %d\n", dc.MissingDeliveries)
		fmt.Printf("    failed verifications: %d\n", dc.FailedVerifications)
		fmt.Printf("    provider mismatches: %d\n", dc.ProviderMismatches)
		fmt.Printf("    pull failures: %d\n", dc.ProviderPullFailures)
		if out.Report.Notes != "" {
			fmt.Printf("  Note: %s\n", out.Report.Notes)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconCmd)
	reconCmd.AddCommand(runReconCmd)

	runReconCmd.Flags().String("batch-id", "", "narrow the run to one ingest batch")
}
