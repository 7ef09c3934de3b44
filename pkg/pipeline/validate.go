package pipeline

import (
	"context"

	"github.com/cuemby/scanorc/pkg/types"
)

// ValidationResult is the outcome of submitting a validation scan for a
// candidate template.
type ValidationResult struct {
	Matched    bool
	Diagnostic string
}

// ScanSubmitter runs a validation scan against a template's reference
// target and reports whether a finding matched the template's id at or
// above its declared severity. The orchestrator supplies the concrete
// implementation (submitting a run_scan Job through the registry and
// scheduler and inspecting the resulting findings); pipeline only needs
// the outcome, keeping it decoupled from pkg/runtime and the scheduler's
// Dispatcher and queues.
type ScanSubmitter interface {
	SubmitValidationScan(ctx context.Context, t *types.Template, referenceTarget string) (ValidationResult, error)
}
