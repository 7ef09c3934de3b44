package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/types"
)

// heartbeatInterval is how often a running job's worker renews its
// liveness marker in the registry.
const heartbeatInterval = 15 * time.Second

// Handler executes one job's work and returns its result payload.
type Handler func(ctx context.Context, job *types.Job) (result []byte, err error)

// envelope is the wire format pushed onto a named queue: just enough to
// look the job back up in the registry.
type envelope struct {
	JobID string `json:"job_id"`
}

// Dispatcher polls named queues with a worker-goroutine pool per queue,
// dispatching each popped job to the handler registered for its kind,
// emitting heartbeats while the handler runs, and enforcing the retry
// policy on failure. Adapted from the teacher's periodic-reconciling
// scheduler loop plus polling executor loop, collapsed into one
// queue-driven dispatcher.
type Dispatcher struct {
	registry    *registry.Registry
	retry       RetryPolicy
	concurrency int

	mu       sync.Mutex
	handlers map[types.JobKind]Handler
	queues   map[string]*Queue
	cancels  map[string]context.CancelFunc

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher returns a Dispatcher with concurrency workers per queue
// (minimum 1) and the default retry policy.
func NewDispatcher(reg *registry.Registry, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		registry:    reg,
		retry:       DefaultRetryPolicy(),
		concurrency: concurrency,
		handlers:    make(map[types.JobKind]Handler),
		queues:      make(map[string]*Queue),
		cancels:     make(map[string]context.CancelFunc),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RegisterHandler binds a Handler to the given JobKind.
func (d *Dispatcher) RegisterHandler(kind types.JobKind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// RegisterQueue adds a named queue the dispatcher's Run loop should poll.
func (d *Dispatcher) RegisterQueue(q *Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues[q.Name()] = q
}

// NewBreaker builds a circuit breaker guarding calls to an external
// dependency (llm, cve_feed, kv), trip-on-5-consecutive-failures, with
// its state transitions mirrored onto CircuitBreakerState and logged.
// Exported so a collaborator that never sees a live Dispatcher (the
// pipeline's LLM and CVE-feed clients, built before the orchestrator
// wires one up) can still guard its own external calls with the same
// policy.
func NewBreaker(dependency string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dependency,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			state := 0.0
			switch to {
			case gobreaker.StateHalfOpen:
				state = 1.0
			case gobreaker.StateOpen:
				state = 2.0
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(state)
			log.Logger.Warn().Str("dependency", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

// Breaker lazily creates (or returns) this dispatcher's circuit breaker
// for dependency, caching one instance per name so repeated calls share
// trip state.
func (d *Dispatcher) Breaker(dependency string) *gobreaker.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()

	if b, ok := d.breakers[dependency]; ok {
		return b
	}

	b := NewBreaker(dependency)
	d.breakers[dependency] = b
	return b
}

// Run starts the worker pool for queueName and blocks until ctx is
// cancelled or a worker returns a non-context error.
func (d *Dispatcher) Run(ctx context.Context, queueName string) error {
	d.mu.Lock()
	q, ok := d.queues[queueName]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: queue %q not registered", queueName)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.concurrency; i++ {
		g.Go(func() error {
			return d.workerLoop(ctx, q)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, q *Queue) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		payload, err := q.Pop(ctx, 2*time.Second)
		if err != nil {
			if err == orcerrors.ErrTimeout || ctx.Err() != nil {
				continue
			}
			log.Logger.Error().Err(err).Str("queue", q.Name()).Msg("queue pop failed")
			continue
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Logger.Error().Err(err).Msg("malformed queue envelope")
			continue
		}

		d.dispatch(ctx, q.Name(), env.JobID)
	}
}

func (d *Dispatcher) dispatch(parent context.Context, queueName, jobID string) {
	job, err := d.registry.Get(jobID)
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", jobID).Msg("job vanished before dispatch")
		return
	}

	d.mu.Lock()
	handler, ok := d.handlers[job.Kind]
	d.mu.Unlock()
	if !ok {
		log.Logger.Error().Str("job_id", jobID).Str("kind", string(job.Kind)).Msg("no handler registered for job kind")
		return
	}

	job, err = d.registry.Transition(jobID, types.JobStateRunning, func(j *types.Job) {
		j.StartedAt = time.Now()
		j.Queue = queueName
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", jobID).Msg("failed to transition job to running")
		return
	}

	jobCtx, cancel := context.WithCancel(parent)
	d.mu.Lock()
	d.cancels[jobID] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancels, jobID)
		d.mu.Unlock()
	}()

	stopHeartbeat := d.startHeartbeat(jobCtx, jobID)
	timer := metrics.NewTimer()
	result, handlerErr := handler(jobCtx, job)
	stopHeartbeat()
	timer.ObserveDurationVec(metrics.SchedulingLatency, job.Queue)

	if handlerErr == nil {
		if _, err := d.registry.Transition(jobID, types.JobStateSuccess, func(j *types.Job) {
			j.Result = result
		}); err != nil {
			log.Logger.Error().Err(err).Str("job_id", jobID).Msg("failed to transition job to success")
		}
		metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), "success").Inc()
		return
	}

	if jobCtx.Err() == context.Canceled {
		// Cancel() already owns this job's terminal transition; avoid a
		// race where both paths try to set a different terminal state.
		return
	}

	d.handleFailure(jobID, queueName, job, handlerErr)
}

func (d *Dispatcher) handleFailure(jobID, queueName string, job *types.Job, handlerErr error) {
	job, err := d.registry.Transition(jobID, types.JobStateFailure, func(j *types.Job) {
		j.Error = handlerErr.Error()
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", jobID).Msg("failed to transition job to failure")
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), "failure").Inc()

	if job.Attempt >= job.MaxAttempts {
		return
	}

	notBefore := d.retry.NotBefore(job.Attempt)
	_, err = d.registry.Transition(jobID, types.JobStateRetrying, func(j *types.Job) {
		j.Attempt++
		j.NotBefore = notBefore
	})
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", jobID).Msg("failed to transition job to retrying")
		return
	}
	metrics.JobRetries.WithLabelValues(string(job.Kind)).Inc()

	go d.requeueAfter(jobID, queueName, notBefore)
}

func (d *Dispatcher) requeueAfter(jobID, queueName string, notBefore time.Time) {
	if d := time.Until(notBefore); d > 0 {
		time.Sleep(d)
	}

	if _, err := d.registry.Transition(jobID, types.JobStateQueued, nil); err != nil {
		log.Logger.Error().Err(err).Str("job_id", jobID).Msg("failed to requeue retrying job")
		return
	}

	d.mu.Lock()
	q, ok := d.queues[queueName]
	d.mu.Unlock()
	if !ok {
		log.Logger.Error().Str("job_id", jobID).Str("queue", queueName).Msg("cannot requeue: queue not registered")
		return
	}

	payload, _ := json.Marshal(envelope{JobID: jobID})
	if err := q.Push(payload); err != nil {
		log.Logger.Error().Err(err).Str("job_id", jobID).Msg("failed to push retry onto queue")
	}
}

// beat renews jobID's heartbeat through the "kv" breaker: a flapping
// store should fail this fast rather than let every worker pile up
// retries against it.
func (d *Dispatcher) beat(jobID string) {
	_, err := d.Breaker("kv").Execute(func() (any, error) {
		return nil, d.registry.Store().SetHeartbeat(jobID, 2*heartbeatInterval)
	})
	if err != nil {
		log.Logger.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat renewal failed")
	}
}

func (d *Dispatcher) startHeartbeat(ctx context.Context, jobID string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		d.beat(jobID)
		for {
			select {
			case <-ticker.C:
				d.beat(jobID)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// Cancel signals the running handler's context (if the job is currently
// running on this dispatcher) and transitions the job to cancelled.
// Idempotent: cancelling an already-terminal job is a no-op.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	cancel, ok := d.cancels[jobID]
	d.mu.Unlock()
	if ok {
		cancel()
	}

	job, err := d.registry.Get(jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	_, err = d.registry.Transition(jobID, types.JobStateCancelled, nil)
	return err
}
