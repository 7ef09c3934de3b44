package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/scanorc/internal/api"
	"github.com/cuemby/scanorc/pkg/types"
)

func apiClient(cmd *cobra.Command) *api.Client {
	addr, _ := cmd.Flags().GetString("api-addr")
	return api.NewClient(addr)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Submit scans",
}

var scanSubmitCmd = &cobra.Command{
	Use:   "submit TARGET",
	Short: "Submit a curated-templates scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dirs, _ := cmd.Flags().GetStringSlice("dirs")
		jobID, containerName, err := apiClient(cmd).SubmitScan(cmd.Context(), args[0], dirs)
		if err != nil {
			return err
		}
		fmt.Println(jobID, containerName)
		return nil
	},
}

var scanCustomCmd = &cobra.Command{
	Use:   "custom TARGET TEMPLATE_FILE",
	Short: "Submit a scan against a single local template file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read template file: %w", err)
		}
		jobID, containerName, err := apiClient(cmd).SubmitCustomScan(cmd.Context(), args[0], args[1], body)
		if err != nil {
			return err
		}
		fmt.Println(jobID, containerName)
		return nil
	},
}

var scanAICmd = &cobra.Command{
	Use:   "ai TARGET CVE_ID",
	Short: "Synthesize a template for CVE_ID and scan TARGET with it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, containerName, err := apiClient(cmd).SubmitAIScan(cmd.Context(), args[0], types.CVERecord{CVEID: args[1]})
		if err != nil {
			return err
		}
		fmt.Println(jobID, containerName)
		return nil
	},
}

func init() {
	scanSubmitCmd.Flags().StringSlice("dirs", nil, "Restrict to these template directories (default: all)")

	scanCmd.AddCommand(scanSubmitCmd)
	scanCmd.AddCommand(scanCustomCmd)
	scanCmd.AddCommand(scanAICmd)
}
