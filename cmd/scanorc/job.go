package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control scan jobs",
}

var jobGetCmd = &cobra.Command{
	Use:   "get JOB_ID",
	Short: "Print a job's current record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient(cmd).GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).CancelJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("cancelled")
		return nil
	},
}

var jobLogsCmd = &cobra.Command{
	Use:   "logs JOB_ID",
	Short: "Stream a job's scanner output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiClient(cmd).StreamLog(cmd.Context(), args[0], os.Stdout)
	},
}

func init() {
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobLogsCmd)
}
