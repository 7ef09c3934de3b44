package runtime

import (
	"context"
	"sync"

	"github.com/cuemby/scanorc/pkg/events"
	"github.com/cuemby/scanorc/pkg/types"
)

// ringBuffer is a tee destination for a container's combined stdout/stderr.
// It implements io.Writer so it can be handed to cio as the task's log
// sink: every Write is both appended to an in-memory backlog (so a late
// subscriber can be caught up from offset 0) and published live on the
// associated LogBroker.
type ringBuffer struct {
	mu     sync.Mutex
	data   []byte
	jobID  string
	broker *events.LogBroker
}

func newRingBuffer(jobID string, broker *events.LogBroker) *ringBuffer {
	return &ringBuffer{jobID: jobID, broker: broker}
}

func (b *ringBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	offset := int64(len(b.data))
	b.data = append(b.data, p...)
	b.mu.Unlock()

	chunk := make([]byte, len(p))
	copy(chunk, p)

	b.broker.Publish(types.LogChunk{
		JobID:  b.jobID,
		Offset: offset,
		Data:   chunk,
	})

	return len(p), nil
}

func (b *ringBuffer) backlogFrom(offset int64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < 0 || offset >= int64(len(b.data)) {
		return nil
	}
	out := make([]byte, len(b.data)-int(offset))
	copy(out, b.data[offset:])
	return out
}

// StreamLogs attaches to a container's stdio. The returned channel first
// replays any bytes already produced (from offset 0, so a second call —
// resumption after a client reconnect — doesn't miss output that happened
// before it subscribed), then streams live chunks as they arrive. The
// returned CancelFunc detaches this subscriber without affecting others
// attached to the same handle.
func (r *Runtime) StreamLogs(ctx context.Context, h *Handle) (<-chan types.LogChunk, context.CancelFunc) {
	out := make(chan types.LogChunk, 64)
	sub := h.logs.Subscribe()

	backlog := h.ring.backlogFrom(0)
	highWater := int64(len(backlog))

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			h.logs.Unsubscribe(sub)
		})
	}

	go func() {
		defer close(out)

		if len(backlog) > 0 {
			select {
			case out <- types.LogChunk{JobID: h.JobID, Offset: 0, Data: backlog}:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case chunk, ok := <-sub:
				if !ok {
					return
				}
				if chunk.Offset < highWater {
					// Already delivered as part of the replayed backlog.
					continue
				}
				select {
				case out <- chunk:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel
}
