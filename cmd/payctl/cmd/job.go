package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// jobCmd represents the job command
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage delivery jobs",
	Long:  `Enqueue, inspect, run, and replay delivery jobs.`,
}

// enqueueJobCmd represents the job enqueue command
var enqueueJobCmd = &cobra.Command{
	Use:   "enqueue [target-id] [event-type] [payload-json]",
	Short: "Enqueue a new delivery job",
	Long: `Enqueue a delivery job for a target with a JSON payload.

Example:
  payctl job enqueue tgt_123 payment.captured '{"amount": 4200}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		idemKey, _ := cmd.Flags().GetString("idempotency-key")
		priority, _ := cmd.Flags().GetInt("priority")

		var payload json.RawMessage
		if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}

		body := map[string]interface{}{
			"target_id":  args[0],
			"event_type": args[1],
			"payload":    payload,
		}
		if idemKey != "" {
			body["idempotency_key"] = idemKey
		}
		if priority != 0 {
			body["priority"] = priority
		}

		resp, err := makeHTTPRequest("POST", "/v1/jobs", body)
		if err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		var out struct {
			Job struct {
				ID        string `json:"id"`
				Status    string `json:"status"`
				TargetID  string `json:"target_id"`
				EventType string `json:"event_type"`
			} `json:"job"`
			Enqueued bool `json:"enqueued"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
		} else if out.Enqueued {
			fmt.Printf("Enqueued job: %s\n", out.Job.ID)
			fmt.Printf("  Target: %s\n", out.Job.TargetID)
			fmt.Printf("  Event type: %s\n", out.Job.EventType)
		} else {
			fmt.Printf("Duplicate idempotency key, existing job: %s\n", out.Job.ID)
		}
		return nil
	},
}

// getJobCmd represents the job get command
var getJobCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Get a delivery job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", "/v1/jobs/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		var out map[string]interface{}
		if err := readResponse(resp, &out); err != nil {
			return err
		}
		printOutput(out)
		return nil
	},
}

// runJobCmd represents the job run command
var runJobCmd = &cobra.Command{
	Use:   "run [job-id]",
	Short: "Run a single on-demand delivery attempt for a job",
	Long: `Run a single untracked delivery attempt for a job, bypassing the spool.

With --force-half-open the target's circuit breaker is resumed first,
letting one trial attempt through an open circuit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force-half-open")
		resp, err := makeHTTPRequest("POST", "/v1/jobs/"+args[0]+"/run",
			map[string]interface{}{"force_half_open": force})
		if err != nil {
			return fmt.Errorf("failed to run job: %w", err)
		}
		var out struct {
			OK           bool   `json:"ok"`
			StatusCode   int    `json:"status_code"`
			DurationMs   int64  `json:"duration_ms"`
			ErrorCode    string `json:"error_code"`
			ErrorMessage string `json:"error_message"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}
		if outputJSON {
			printOutput(out)
		} else if out.OK {
			fmt.Printf("Delivered (HTTP %d, %dms)\n", out.StatusCode, out.DurationMs)
		} else {
			fmt.Printf("Failed: %s (%s)\n", out.ErrorCode, out.ErrorMessage)
		}
		return nil
	},
}

// replayJobCmd represents the job replay command
var replayJobCmd = &cobra.Command{
	Use:   "replay [job-id]",
	Short: "Re-enqueue a fresh delivery job copying an existing one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("POST", "/v1/jobs/"+args[0]+"/replay", nil)
		if err != nil {
			return fmt.Errorf("failed to replay job: %w", err)
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}
		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Replayed as new job: %s\n", out.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(enqueueJobCmd)
	jobCmd.AddCommand(getJobCmd)
	jobCmd.AddCommand(runJobCmd)
	jobCmd.AddCommand(replayJobCmd)

	enqueueJobCmd.Flags().String("idempotency-key", "", "idempotency key for duplicate collapse")
	enqueueJobCmd.Flags().Int("priority", 0, "job priority")
	runJobCmd.Flags().Bool("force-half-open", false, "resume the breaker before the attempt")
}
