package scheduler

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/registry"
)

func newTestStore(t *testing.T) registry.Store {
	t.Helper()
	store, err := registry.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestQueue_PushPop(t *testing.T) {
	q := NewQueue(newTestStore(t), "jobs", 0)

	if err := q.Push([]byte("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	n, err := q.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected len 1, got %d", n)
	}

	got, err := q.Pop(t.Context(), time.Second)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if string(got) != "a" {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestQueue_SoftCap(t *testing.T) {
	q := NewQueue(newTestStore(t), "jobs", 1)

	if err := q.Push([]byte("a")); err != nil {
		t.Fatalf("first push should succeed: %v", err)
	}
	err := q.Push([]byte("b"))
	if err == nil {
		t.Fatalf("expected second push to fail at softCap=1")
	}
	if !errors.Is(err, orcerrors.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueue_Name(t *testing.T) {
	q := NewQueue(newTestStore(t), "custom", 0)
	if q.Name() != "custom" {
		t.Fatalf("unexpected name %q", q.Name())
	}
}

func TestQueue_EnqueueJobRoundTripsEnvelope(t *testing.T) {
	q := NewQueue(newTestStore(t), "jobs", 0)

	if err := q.EnqueueJob("job-123"); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	payload, err := q.Pop(t.Context(), time.Second)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	if env.JobID != "job-123" {
		t.Fatalf("expected job-123, got %q", env.JobID)
	}
}
