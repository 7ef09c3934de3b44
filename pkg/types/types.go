package types

import "time"

// JobKind identifies the kind of work a Job represents.
type JobKind string

const (
	JobKindScan             JobKind = "scan"
	JobKindCustomScan       JobKind = "custom_scan"
	JobKindAIScan           JobKind = "ai_scan"
	JobKindFetchCVEs        JobKind = "fetch_cves"
	JobKindGenerateTemplate JobKind = "generate_template"
	JobKindStoreTemplates   JobKind = "store_templates"
	JobKindValidateTemplate JobKind = "validate_template"
	JobKindRefineTemplate   JobKind = "refine_template"
	JobKindPipelineRoot     JobKind = "pipeline_root"
)

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSuccess   JobState = "success"
	JobStateFailure   JobState = "failure"
	JobStateRetrying  JobState = "retrying"
	JobStateCancelled JobState = "cancelled"
)

// Job is a tracked unit of scheduler work.
type Job struct {
	ID            string
	Kind          JobKind
	State         JobState
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	ParentID      string
	Attempt       int
	MaxAttempts   int
	NotBefore     time.Time
	Payload       []byte
	Result        []byte
	Error         string
	ErrorKind     string
	ContainerName string
	Queue         string
}

// Terminal reports whether the Job has reached a terminal state.
func (j *Job) Terminal() bool {
	switch j.State {
	case JobStateSuccess, JobStateFailure, JobStateCancelled:
		return true
	default:
		return false
	}
}

// TemplateSelectorKind tags the variant of a TemplateSelector.
type TemplateSelectorKind string

const (
	TemplateSelectorAll  TemplateSelectorKind = "all"
	TemplateSelectorDirs TemplateSelectorKind = "dirs"
	TemplateSelectorFile TemplateSelectorKind = "file"
)

// TemplateSelector identifies which templates a scan should use. Exactly one
// of Dirs or FileBody is meaningful, selected by Kind.
type TemplateSelector struct {
	Kind     TemplateSelectorKind
	Dirs     []string
	FileName string
	FileBody []byte
}

// Severity is the normalized severity of a Finding.
type Severity string

const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInformational: 0,
	SeverityLow:           1,
	SeverityMedium:        2,
	SeverityHigh:          3,
	SeverityCritical:      4,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// NormalizeSeverity maps a raw scanner severity token onto the Severity enum.
// unknown is true when raw did not match a known token.
func NormalizeSeverity(raw string) (sev Severity, unknown bool) {
	switch raw {
	case "info":
		return SeverityInformational, false
	case "low":
		return SeverityLow, false
	case "medium":
		return SeverityMedium, false
	case "high":
		return SeverityHigh, false
	case "critical":
		return SeverityCritical, false
	default:
		return SeverityInformational, true
	}
}

// Finding is a single match reported by the scanner during a run.
type Finding struct {
	FindingID       string
	JobID           string
	TemplateID      string
	Protocol        string
	Severity        Severity
	UnknownSeverity bool
	Target          string
	MatchedAt       string
	Details         []string
	ObservedAt      time.Time
}

// TemplateOrigin is the provenance of a Template.
type TemplateOrigin string

const (
	TemplateOriginCurated     TemplateOrigin = "curated"
	TemplateOriginAIGenerated TemplateOrigin = "ai_generated"
	TemplateOriginAIRefined   TemplateOrigin = "ai_refined"
	TemplateOriginUploaded    TemplateOrigin = "user_uploaded"
)

// TemplateValidationState is the lifecycle state of a Template.
type TemplateValidationState string

const (
	TemplateUnvalidated       TemplateValidationState = "unvalidated"
	TemplateValidating        TemplateValidationState = "validating"
	TemplateValid             TemplateValidationState = "valid"
	TemplateInvalidMaxRetries TemplateValidationState = "invalid_max_retries"
)

// Template is a declarative detection rule stored as YAML.
type Template struct {
	TemplateID        string
	CVEID             string
	Filename          string
	Body              []byte
	Origin            TemplateOrigin
	GenerationAttempt int
	ValidationState   TemplateValidationState
	DeclaredSeverity  Severity
	// DeclaredID is the template's own "id" field, the value nuclei
	// reports as a Finding's TemplateID at scan time. For AI-synthesized
	// templates this must equal the CVE id, lowercase.
	DeclaredID string
	Path       string
}

// CVERecord is a cached entry from the upstream CVE feed.
type CVERecord struct {
	CVEID       string
	PublishedAt time.Time
	Description string
	References  []string
}

// PipelineTriggerKind identifies how a Pipeline Run was started.
type PipelineTriggerKind string

const (
	PipelineTriggerScheduled PipelineTriggerKind = "scheduled"
	PipelineTriggerManual    PipelineTriggerKind = "manual"
)

// PipelineMetrics holds the monotonically increasing counters for one run.
type PipelineMetrics struct {
	TemplatesGenerated   int64
	TemplatesValidated   int64
	ValidationsFailed    int64
	RefinementsAttempted int64
	RefinementsExhausted int64
	// TemplatesSkipped counts CVEs abandoned after exhausting their
	// generation retry budget without ever producing a parseable
	// template to validate.
	TemplatesSkipped int64
}

// PipelineRun is one execution of the CVE-to-validated-template workflow.
type PipelineRun struct {
	RunID       string
	TriggerKind PipelineTriggerKind
	StartedAt   time.Time
	FinishedAt  time.Time
	State       JobState
	CVEBatch    []string
	Metrics     PipelineMetrics
}

// ScanOutcomeTerminal is the terminal condition of a scan run.
type ScanOutcomeTerminal string

const (
	TerminalCompleted    ScanOutcomeTerminal = "completed"
	TerminalNoResults    ScanOutcomeTerminal = "no_results"
	TerminalLoopDetected ScanOutcomeTerminal = "loop_detected"
	TerminalTimeout      ScanOutcomeTerminal = "timeout"
	TerminalRuntimeError ScanOutcomeTerminal = "runtime_error"
)

// ScanOutcome is the result payload of a run_scan task.
type ScanOutcome struct {
	ExitCode      int
	FindingsCount int
	Terminal      ScanOutcomeTerminal
}

// ScanRequest is the input payload of a run_scan task.
type ScanRequest struct {
	Target           string
	TemplateSelector TemplateSelector
	ScanID           string
	ReferenceCheck   bool
	// ContainerName is allocated up front by the submitter (confirmed
	// non-colliding against the live runtime) rather than left for the
	// handler to pick once the job is actually dispatched, so a caller
	// learns the scan's container name in the same call that queues it.
	ContainerName string
}

// LogChunk is a slice of raw scanner stdio bytes delivered to subscribers,
// tagged with its byte offset so a resuming reader can skip what it already
// has.
type LogChunk struct {
	JobID  string
	Offset int64
	Data   []byte
	EOF    bool
}

// ContainerHandle identifies a launched scanner container and its lifecycle
// bookkeeping.
type ContainerHandle struct {
	ContainerName string
	JobID         string
	Image         string
	PID           uint32
	CreatedAt     time.Time
	DestroyAfter  time.Time
}

// Event is a domain event published on the shared broker (job state changes,
// pipeline milestones).
type Event struct {
	Type      string
	Timestamp time.Time
	JobID     string
	RunID     string
	CVEID     string
	Message   string
	Data      map[string]string
}
