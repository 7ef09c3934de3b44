/*
Package scheduler dispatches queued jobs to handlers, with named queues,
retry backoff, and per-dependency circuit breaking.

# Architecture

	┌──────────────────────────────────────────────────────────┐
	│                    Dispatcher.Run                         │
	│            (N workers per registered queue)               │
	└────────────────┬─────────────────────────────────────────┘
	                 │ BRPOP/poll with context deadline
	                 ▼
	┌──────────────────────────────────────────────────────────┐
	│ 1. Pop envelope, look up job in the registry               │
	│ 2. Transition job queued -> running                        │
	│ 3. Emit heartbeat every 15s while the handler runs          │
	│ 4. Run the registered Handler for the job's kind            │
	│ 5. On success: transition -> success                       │
	│    On failure: transition -> failure, then -> retrying      │
	│    (if attempts remain) and re-push after NotBefore          │
	└──────────────────────────────────────────────────────────┘

Queue wraps the registry's named-queue Push/Pop with a soft cap so a
producer fails fast with ErrQueueFull instead of growing the backlog
unbounded. RetryPolicy computes per-attempt backoff with jitter; per-kind
max_attempts defaults live in maxAttemptsByKind. Dispatcher.Breaker lazily
builds one gobreaker.CircuitBreaker per external dependency name (llm,
cve_feed, kv) so a tripped breaker fails calls immediately rather than
waiting out a job's own retry backoff. Cancel stops a running job's
context and marks it cancelled; Chain/Group in compose.go let a handler
express a job as a sequence or fan-out of sub-steps without going back
through the queue.
*/
package scheduler
