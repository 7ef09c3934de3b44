// Package orcerrors defines the sentinel error taxonomy shared across the
// scan orchestration core, so callers can branch on failure kind with
// errors.Is instead of matching message strings.
package orcerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors identify the taxonomy of expected failure kinds. Wrap them
// with fmt.Errorf("...: %w", ErrX) at the call site to preserve the kind
// while adding context.
var (
	// ErrInvalidInput covers malformed requests: bad targets, malformed
	// template selectors, unparsable payloads.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound covers lookups against a Job, Template, or CVERecord that
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout covers a deadline expiring while waiting on a container,
	// an LLM call, or a feed request.
	ErrTimeout = errors.New("timeout")

	// ErrRuntimeUnavailable covers containerd being unreachable or refusing
	// a container lifecycle call.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrLLMUnavailable covers the LLM endpoint being unreachable or its
	// circuit breaker being open.
	ErrLLMUnavailable = errors.New("llm endpoint unavailable")

	// ErrKVUnavailable covers the registry's backing store (Redis or Bolt)
	// being unreachable.
	ErrKVUnavailable = errors.New("kv store unavailable")

	// ErrInvalidOutput covers a generated template or scan output that
	// fails structural validation.
	ErrInvalidOutput = errors.New("invalid output")

	// ErrLoopDetected covers the scan output parser's sliding-window loop
	// heuristic tripping.
	ErrLoopDetected = errors.New("loop detected")

	// ErrWorkerLost covers a running Job whose worker heartbeat went stale.
	ErrWorkerLost = errors.New("worker lost")

	// ErrCancelled covers a Job whose context was cancelled by an explicit
	// CancelJob call.
	ErrCancelled = errors.New("cancelled")

	// ErrQueueFull covers a scheduler queue rejecting a new Job because its
	// soft depth cap was reached.
	ErrQueueFull = errors.New("queue full")

	// ErrInvalidTransition covers an illegal Job state-machine edge.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrReferenceTargetUnreachable covers a validation-stage scan's
	// reference target failing its readiness probe (or being absent)
	// before the scanner container is launched.
	ErrReferenceTargetUnreachable = errors.New("reference target unreachable")
)

// Wrap annotates err with a message while preserving errors.Is matching
// against the given sentinel.
func Wrap(sentinel error, msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", msg, sentinel)
	}
	return fmt.Errorf("%s: %w: %w", msg, sentinel, err)
}
