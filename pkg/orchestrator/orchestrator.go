package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/scanorc/internal/config"
	"github.com/cuemby/scanorc/pkg/events"
	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/runtime"
	"github.com/cuemby/scanorc/pkg/scheduler"
	"github.com/cuemby/scanorc/pkg/templatelib"
	"github.com/cuemby/scanorc/pkg/types"
)

// scanQueueName is the single queue run_scan-shaped jobs (scan,
// custom_scan, ai_scan) are dispatched from.
const scanQueueName = "scan"

// Orchestrator wires the registry, scheduler, container runtime,
// template library, and synthesis pipeline together and exposes the
// operation surface an API or CLI collaborator calls.
type Orchestrator struct {
	cfg *config.Config

	registry   *registry.Registry
	store      registry.Store
	runtime    *runtime.Runtime
	dispatcher *scheduler.Dispatcher
	scanQueue  *scheduler.Queue
	broker     *events.Broker

	lib       *templatelib.Library
	templates *pipeline.TemplateStore
	pipeline  *pipeline.Pipeline
	generator pipeline.TemplateGenerator

	scannerImage string
	scanTimeout  time.Duration
}

// Deps bundles the collaborators New wires together — the
// ones with meaningful construction cost or external side effects
// (a containerd connection, an HTTP client, an LLM client) are built by
// the caller (cmd/scanorc) so this package never reaches for os.Getenv
// or a bare constructor itself.
type Deps struct {
	Config       *config.Config
	Store        registry.Store
	Runtime      *runtime.Runtime
	Feed         pipeline.CVEFeedClient
	Generator    pipeline.TemplateGenerator
	ScannerImage string
}

// New wires an Orchestrator from deps. It registers the scan-kind job
// handlers with a fresh Dispatcher but does not start polling — call
// Run to do that.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("orchestrator: Store is required")
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("orchestrator: Runtime is required")
	}

	reg := registry.NewRegistry(deps.Store, true)

	lib, err := templatelib.NewLibrary(deps.Config.TemplateLibraryRoot)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open template library: %w", err)
	}
	templates := pipeline.NewTemplateStore(lib, deps.Store)

	concurrency := deps.Config.QueueConcurrency[scanQueueName]
	dispatcher := scheduler.NewDispatcher(reg, concurrency)
	scanQueue := scheduler.NewQueue(deps.Store, scanQueueName, 0)
	dispatcher.RegisterQueue(scanQueue)

	broker := events.NewBroker()
	broker.Start()

	o := &Orchestrator{
		cfg:          deps.Config,
		registry:     reg,
		store:        deps.Store,
		runtime:      deps.Runtime,
		dispatcher:   dispatcher,
		scanQueue:    scanQueue,
		broker:       broker,
		lib:          lib,
		templates:    templates,
		generator:    deps.Generator,
		scannerImage: deps.ScannerImage,
		scanTimeout:  30 * time.Minute,
	}

	targets := pipeline.ReferenceTargets{
		ByCVE:   deps.Config.ReferenceTargets,
		Default: deps.Config.DefaultReferenceTarget,
	}
	o.pipeline = pipeline.NewPipeline(deps.Store, templates, deps.Feed, deps.Generator, &syncScanSubmitter{o}, targets)

	dispatcher.RegisterHandler(types.JobKindScan, o.runScanHandler)
	dispatcher.RegisterHandler(types.JobKindCustomScan, o.runScanHandler)
	dispatcher.RegisterHandler(types.JobKindAIScan, o.runScanHandler)

	return o, nil
}

// Run polls the scan queue until ctx is cancelled. Call it from its own
// goroutine; it blocks for the orchestrator's lifetime.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.dispatcher.Run(ctx, scanQueueName)
}

// Close releases the orchestrator's collaborators. The caller still
// owns and closes the Store and Runtime it passed into Deps.
func (o *Orchestrator) Close() {
	o.broker.Stop()
}

// patchJob mutates non-state-machine fields of a job record (its
// container name, error kind) outside of Registry.Transition, which
// only ever moves State plus whatever the caller's patch sets
// alongside it. Used when a field needs updating mid-run, between two
// legal transitions.
func (o *Orchestrator) patchJob(jobID string, mutate func(*types.Job)) error {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return err
	}
	mutate(job)
	return o.store.UpdateJob(job)
}
