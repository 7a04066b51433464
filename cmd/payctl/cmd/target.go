package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// targetCmd represents the target command
var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage delivery targets",
	Long:  `Create and manage the destination URLs that receive deliveries.`,
}

// createTargetCmd represents the target create command
var createTargetCmd = &cobra.Command{
	Use:   "create [name] [url]",
	Short: "Create a new delivery target",
	Long: `Create a delivery target in the authenticated workspace.

Example:
  payctl target create billing https://example.com/hook --secret whsec_abc`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")

		body := map[string]interface{}{
			"name": args[0],
			"url":  args[1],
		}
		if secret != "" {
			body["secret"] = secret
		}

		resp, err := makeHTTPRequest("POST", "/v1/targets", body)
		if err != nil {
			return fmt.Errorf("failed to create target: %w", err)
		}
		var out struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			URL      string `json:"url"`
			IsActive bool   `json:"is_active"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Created target: %s\n", out.ID)
			fmt.Printf("  Name: %s\n", out.Name)
			fmt.Printf("  URL: %s\n", out.URL)
		}
		return nil
	},
}

// listTargetsCmd represents the target list command
var listTargetsCmd = &cobra.Command{
	Use:   "list",
	Short: "List delivery targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", "/v1/targets", nil)
		if err != nil {
			return fmt.Errorf("failed to list targets: %w", err)
		}
		var out struct {
			Targets []struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				URL      string `json:"url"`
				IsActive bool   `json:"is_active"`
			} `json:"targets"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
			return nil
		}
		if len(out.Targets) == 0 {
			fmt.Println("No targets")
			return nil
		}
		for _, t := range out.Targets {
			state := "active"
			if !t.IsActive {
				state = "inactive"
			}
			fmt.Printf("%s  %s  %s  (%s)\n", t.ID, t.Name, t.URL, state)
		}
		return nil
	},
}

// healthCheckTargetCmd represents the target health-check command
var healthCheckTargetCmd = &cobra.Command{
	Use:   "health-check [target-id]",
	Short: "Send a synthetic health-check event to a target",
	Long: `Send a signed synthetic health-check event to a target.

With --manual-resume the target's circuit breaker is forced half-open
first, so the health check doubles as a manual breaker trial.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resume, _ := cmd.Flags().GetBool("manual-resume")
		resp, err := makeHTTPRequest("POST", "/v1/targets/"+args[0]+"/health-check",
			map[string]interface{}{"manual_resume": resume})
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		var out struct {
			OK         bool   `json:"ok"`
			StatusCode int    `json:"status_code"`
			DurationMs int64  `json:"duration_ms"`
			ErrorCode  string `json:"error_code"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}
		if outputJSON {
			printOutput(out)
		} else if out.OK {
			fmt.Printf("✓ Target is healthy (HTTP %d, %dms)\n", out.StatusCode, out.DurationMs)
		} else {
			fmt.Printf("✗ Target is unhealthy: %s (HTTP %d)\n", out.ErrorCode, out.StatusCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(createTargetCmd)
	targetCmd.AddCommand(listTargetsCmd)
	targetCmd.AddCommand(healthCheckTargetCmd)

	createTargetCmd.Flags().String("secret", "", "target signing secret (encrypted at rest)")
	healthCheckTargetCmd.Flags().Bool("manual-resume", false, "force the breaker half-open before the check")
}
