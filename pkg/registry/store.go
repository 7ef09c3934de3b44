package registry

import (
	"context"
	"time"

	"github.com/cuemby/scanorc/pkg/types"
)

// Store is the persistence interface for job/finding/template/CVE/pipeline
// state plus the named queues the scheduler dispatches from. Two
// implementations exist: RedisStore (primary) and BoltStore (local/offline).
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	UpdateJob(job *types.Job) error
	ListChildren(parentID string) ([]*types.Job, error)
	ListRunning() ([]*types.Job, error)
	DeleteJob(id string) error

	// Job logs — stored per job in 64 KiB pages; pages are kept without a
	// size cap and are not trimmed.
	AppendLog(jobID string, chunk types.LogChunk) error
	ReadLog(jobID string, offset int64) (chunks []types.LogChunk, nextOffset int64, err error)

	// Findings
	CreateFinding(f *types.Finding) error
	ListFindings(jobID string) ([]*types.Finding, error)

	// Templates
	PutTemplate(t *types.Template) error
	GetTemplate(id string) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)

	// CVE feed cache
	PutCVERecord(c *types.CVERecord) error
	GetCVERecord(id string) (*types.CVERecord, error)

	// Pipeline runs
	PutPipelineRun(p *types.PipelineRun) error
	GetPipelineRun(id string) (*types.PipelineRun, error)

	// Monotonic counters, used for metrics:pipeline:{run_id}:{counter}.
	Incr(key string) (int64, error)

	// Worker heartbeats, used by Registry.ReapOrphans.
	SetHeartbeat(jobID string, ttl time.Duration) error
	HeartbeatExpired(jobID string) (bool, error)

	// Named FIFO queues the scheduler's dispatcher polls.
	Push(queue string, payload []byte) error
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	QueueLen(queue string) (int64, error)

	Close() error
}
