package orchestrator

import (
	"context"

	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/types"
)

// GetJob returns a job's current record.
func (o *Orchestrator) GetJob(jobID string) (*types.Job, error) {
	return o.registry.Get(jobID)
}

// CancelJob cancels jobID. Idempotent: cancelling an already-terminal job
// succeeds without changing its state.
func (o *Orchestrator) CancelJob(jobID string) error {
	return o.dispatcher.Cancel(jobID)
}

// StreamScanLog returns a channel of a job's scanner output. A still-running
// job streams live from its container; a terminal job replays from the
// persisted log. The returned CancelFunc detaches the subscription without
// affecting the job itself.
func (o *Orchestrator) StreamScanLog(ctx context.Context, jobID string) (<-chan types.LogChunk, context.CancelFunc, error) {
	job, err := o.registry.Get(jobID)
	if err != nil {
		return nil, nil, err
	}

	if !job.Terminal() && job.ContainerName != "" {
		if handle, ok := o.runtime.Lookup(job.ContainerName); ok {
			chunks, cancel := o.runtime.StreamLogs(ctx, handle)
			return chunks, cancel, nil
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	return o.streamTerminalLog(ctx, jobID), cancel, nil
}

// streamTerminalLog replays a job's persisted log from offset 0, paging
// through the store until it runs dry.
func (o *Orchestrator) streamTerminalLog(ctx context.Context, jobID string) <-chan types.LogChunk {
	out := make(chan types.LogChunk, 16)

	go func() {
		defer close(out)

		var offset int64
		for {
			chunks, next, err := o.registry.ReadLog(jobID, offset)
			if err != nil {
				log.Logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to read persisted job log")
				return
			}

			for _, c := range chunks {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}

			if next <= offset {
				return
			}
			offset = next
		}
	}()

	return out
}
