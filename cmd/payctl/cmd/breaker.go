package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// breakerCmd represents the breaker command
var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and control circuit breakers",
	Long:  `Inspect per-host circuit breakers and manually resume open ones.`,
}

// inspectBreakerCmd represents the breaker inspect command
var inspectBreakerCmd = &cobra.Command{
	Use:   "inspect [host]",
	Short: "Inspect the breaker for a destination host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("GET", "/v1/breakers/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to inspect breaker: %w", err)
		}
		var out struct {
			TargetHost     string `json:"TargetHost"`
			State          string `json:"State"`
			Consecutive5xx int    `json:"Consecutive5xx"`
			OpenedReason   string `json:"OpenedReason"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}
		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Host: %s\n", out.TargetHost)
			fmt.Printf("  State: %s\n", out.State)
			fmt.Printf("  Consecutive 5xx: %d\n", out.Consecutive5xx)
			if out.OpenedReason != "" {
				fmt.Printf("  Opened reason: %s\n", out.OpenedReason)
			}
		}
		return nil
	},
}

// resumeBreakerCmd represents the breaker resume command
var resumeBreakerCmd = &cobra.Command{
	Use:   "resume [host]",
	Short: "Manually resume a breaker (half-open)",
	Long: `Force a breaker half-open so the next delivery attempt goes through.
A success closes the circuit; another 5xx reopens it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest("POST", "/v1/breakers/"+args[0]+"/resume", nil)
		if err != nil {
			return fmt.Errorf("failed to resume breaker: %w", err)
		}
		var out struct {
			State string `json:"State"`
		}
		if err := readResponse(resp, &out); err != nil {
			return err
		}
		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Breaker for %s is now %s\n", args[0], out.State)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(inspectBreakerCmd)
	breakerCmd.AddCommand(resumeBreakerCmd)
}
