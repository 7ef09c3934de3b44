package orchestrator

import (
	"context"

	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/types"
)

// TriggerPipeline starts (or, for a known run id, re-confirms) one
// CVE-to-validated-template pipeline run.
func (o *Orchestrator) TriggerPipeline(ctx context.Context, trigger pipeline.Trigger) (string, error) {
	return o.pipeline.Run(ctx, trigger)
}

// GetPipelineMetrics returns a run's counters.
func (o *Orchestrator) GetPipelineMetrics(runID string) (types.PipelineMetrics, error) {
	return pipeline.GetPipelineMetrics(o.store, runID)
}
