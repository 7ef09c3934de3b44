package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/registry"
)

// DefaultSoftCap is the default maximum number of pending items a named
// queue accepts before Push fails fast with QueueFull.
const DefaultSoftCap = 1000

// Queue is a thin wrapper over the registry's LPUSH/BRPOP-backed named
// queue, adding a soft cap so a runaway producer fails fast instead of
// growing the backlog unbounded.
type Queue struct {
	store   registry.Store
	name    string
	softCap int64
}

// NewQueue returns a Queue named name backed by store. softCap <= 0 uses
// DefaultSoftCap.
func NewQueue(store registry.Store, name string, softCap int64) *Queue {
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	return &Queue{store: store, name: name, softCap: softCap}
}

// Push enqueues payload, failing with QueueFull if the queue is at
// capacity.
func (q *Queue) Push(payload []byte) error {
	n, err := q.store.QueueLen(q.name)
	if err != nil {
		return fmt.Errorf("check queue length: %w", err)
	}
	if n >= q.softCap {
		return fmt.Errorf("%w: queue %q at capacity (%d)", orcerrors.ErrQueueFull, q.name, q.softCap)
	}
	return q.store.Push(q.name, payload)
}

// Pop blocks for up to timeout waiting for an item.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return q.store.Pop(ctx, q.name, timeout)
}

// Len reports the current queue depth.
func (q *Queue) Len() (int64, error) {
	return q.store.QueueLen(q.name)
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// EnqueueJob pushes jobID onto the queue in the envelope format the
// Dispatcher's worker loop expects. A caller that already has a job
// in the registry (an operation handler submitting new work) uses this
// instead of Push directly, since envelope is unexported.
func (q *Queue) EnqueueJob(jobID string) error {
	payload, err := json.Marshal(envelope{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}
	return q.Push(payload)
}
