package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/types"
)

// legalTransitions enumerates the Job state machine's allowed edges.
// Transitions not listed here fail with ErrInvalidTransition and mutate
// nothing. retrying -> running is the one non-monotonic edge the spec
// calls out explicitly.
var legalTransitions = map[types.JobState][]types.JobState{
	types.JobStateQueued:    {types.JobStateRunning, types.JobStateCancelled},
	types.JobStateRunning:   {types.JobStateSuccess, types.JobStateFailure, types.JobStateCancelled},
	types.JobStateFailure:   {types.JobStateRetrying},
	types.JobStateRetrying:  {types.JobStateQueued, types.JobStateRunning},
	types.JobStateSuccess:   nil,
	types.JobStateCancelled: nil,
}

func isLegalTransition(from, to types.JobState) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Registry wraps a Store with job state-machine enforcement and an
// optional in-memory read cache.
type Registry struct {
	store Store

	mu          sync.Mutex // serializes Transition's read-check-write sequence
	cacheMu     sync.RWMutex
	cache       map[string]*types.Job
	cacheEvict  bool
}

// NewRegistry wraps store. If cache is true, Get results are cached until
// the next Transition for that id; writes made directly through the
// Store (UpdateJob) do not evict the cached entry.
func NewRegistry(store Store, cache bool) *Registry {
	return &Registry{
		store:      store,
		cache:      make(map[string]*types.Job),
		cacheEvict: cache,
	}
}

// Create assigns a fresh job, state queued, attempt 1. maxAttempts is the
// retry budget the dispatcher's failure path checks Attempt against;
// callers should pass scheduler.MaxAttempts(string(kind)) so each job
// kind's documented retry policy actually applies (anything <= 0 is
// normalized to 1, disabling retries rather than a job that can never
// even make its first attempt).
func (r *Registry) Create(id string, kind types.JobKind, payload []byte, parentID string, maxAttempts int) (*types.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	job := &types.Job{
		ID:          id,
		Kind:        kind,
		State:       types.JobStateQueued,
		CreatedAt:   time.Now(),
		ParentID:    parentID,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		Payload:     payload,
	}
	if err := r.store.CreateJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns a job, preferring the in-memory cache when enabled.
func (r *Registry) Get(id string) (*types.Job, error) {
	if r.cacheEvict {
		r.cacheMu.RLock()
		if job, ok := r.cache[id]; ok {
			r.cacheMu.RUnlock()
			return job, nil
		}
		r.cacheMu.RUnlock()
	}

	job, err := r.store.GetJob(id)
	if err != nil {
		return nil, err
	}

	if r.cacheEvict {
		r.cacheMu.Lock()
		r.cache[id] = job
		r.cacheMu.Unlock()
	}
	return job, nil
}

// Transition moves a job from its current state to 'to', applying patch
// to mutate any other fields, iff the edge is legal. No mutation occurs
// on an illegal edge.
func (r *Registry) Transition(id string, to types.JobState, patch func(*types.Job)) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.store.GetJob(id)
	if err != nil {
		return nil, err
	}

	if !isLegalTransition(job.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", orcerrors.ErrInvalidTransition, job.State, to)
	}

	job.State = to
	if patch != nil {
		patch(job)
	}
	if job.Terminal() {
		job.FinishedAt = time.Now()
	}

	if err := r.store.UpdateJob(job); err != nil {
		return nil, err
	}

	r.evict(id)
	return job, nil
}

func (r *Registry) evict(id string) {
	if !r.cacheEvict {
		return
	}
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()
}

// ListChildren returns all jobs with the given parent id.
func (r *Registry) ListChildren(parentID string) ([]*types.Job, error) {
	return r.store.ListChildren(parentID)
}

// AppendLog and ReadLog proxy directly to the store.
func (r *Registry) AppendLog(jobID string, chunk types.LogChunk) error {
	return r.store.AppendLog(jobID, chunk)
}

func (r *Registry) ReadLog(jobID string, offset int64) ([]types.LogChunk, int64, error) {
	return r.store.ReadLog(jobID, offset)
}

// RecordFinding stores f, idempotent by FindingID within a job (the store
// overwrites on the same key).
func (r *Registry) RecordFinding(f *types.Finding) error {
	return r.store.CreateFinding(f)
}

func (r *Registry) ListFindings(jobID string) ([]*types.Finding, error) {
	return r.store.ListFindings(jobID)
}

// Store exposes the underlying Store for collaborators (pkg/scheduler's
// Dispatcher heartbeat renewal) that need direct access beyond
// job-state bookkeeping.
func (r *Registry) Store() Store { return r.store }

// ReapOrphans transitions every running job whose worker heartbeat has
// expired to failure(WorkerLost). Intended to run once at startup (crash
// recovery) and periodically thereafter.
func (r *Registry) ReapOrphans() (int, error) {
	running, err := r.store.ListRunning()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range running {
		expired, err := r.store.HeartbeatExpired(job.ID)
		if err != nil {
			return reaped, err
		}
		if !expired {
			continue
		}

		_, err = r.Transition(job.ID, types.JobStateFailure, func(j *types.Job) {
			j.ErrorKind = "WorkerLost"
			j.Error = orcerrors.ErrWorkerLost.Error()
		})
		if err != nil {
			log.Logger.Warn().Str("job_id", job.ID).Err(err).Msg("failed to reap orphaned job")
			continue
		}
		reaped++
	}
	return reaped, nil
}
