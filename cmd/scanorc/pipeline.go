package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/types"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Trigger and inspect CVE-to-validated-template pipeline runs",
}

var pipelineTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a pipeline run",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		runID, _ := cmd.Flags().GetString("run-id")

		trigger := pipeline.Trigger{Kind: types.PipelineTriggerManual, RunID: runID}
		if since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return fmt.Errorf("parse --since: %w", err)
			}
			trigger.Since = t
		}

		runID, err := apiClient(cmd).TriggerPipeline(cmd.Context(), trigger)
		if err != nil {
			return err
		}
		fmt.Println(runID)
		return nil
	},
}

var pipelineMetricsCmd = &cobra.Command{
	Use:   "metrics RUN_ID",
	Short: "Print a pipeline run's counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics, err := apiClient(cmd).PipelineMetrics(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(metrics)
	},
}

func init() {
	pipelineTriggerCmd.Flags().String("run-id", "", "Reuse an existing run id (idempotent re-trigger)")
	pipelineTriggerCmd.Flags().String("since", "", "Only consider CVEs published at or after this RFC3339 timestamp")

	pipelineCmd.AddCommand(pipelineTriggerCmd)
	pipelineCmd.AddCommand(pipelineMetricsCmd)
}
