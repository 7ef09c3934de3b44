package runtime

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"

	"github.com/cuemby/scanorc/pkg/events"
	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace scanner containers run in.
	DefaultNamespace = "scanorc"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// reapInterval is how often the background reaper sweeps for expired
	// or finished containers.
	reapInterval = 10 * time.Second
)

// Spec describes a scanner container to launch.
type Spec struct {
	JobID            string
	Image            string
	Target           string
	TemplateSelector types.TemplateSelector
	Timeout          time.Duration
	NetworkMode      string
	CPULimit         float64 // cores
	MemoryLimitBytes int64
	TTLAfterExit     time.Duration
	// ContainerName, when set, is used as-is instead of Launch minting
	// its own — the caller is expected to have allocated it up front via
	// NewContainerName and confirmed it isn't already live.
	ContainerName string
}

// containerNamePrefix matches the scheduler-assigned naming convention:
// every scan container, not just job-id-derived ones, is identifiable as
// scanorc's own.
const containerNamePrefix = "nuclei_scan_"

// NewContainerName allocates a container name in the "nuclei_scan_" +
// random-suffix convention, retrying on the (astronomically unlikely)
// chance the suffix collides with a container this Runtime already has a
// live Handle for.
func (r *Runtime) NewContainerName() string {
	for {
		name := containerNamePrefix + uuid.NewString()[:12]
		r.mu.Lock()
		_, exists := r.handles[name]
		r.mu.Unlock()
		if !exists {
			return name
		}
	}
}

// Handle is a launched scanner container plus its live process bookkeeping.
type Handle struct {
	types.ContainerHandle
	task   containerd.Task
	mounts *preparedMounts
	logs   *events.LogBroker
	ring   *ringBuffer
}

// Runtime launches and supervises short-lived scanner containers on top of
// containerd, streams their stdio to subscribers, and reaps them once their
// owning job reaches a terminal state.
type Runtime struct {
	client    *containerd.Client
	namespace string
	mounter   *MountPreparer

	mu      sync.Mutex
	handles map[string]*Handle

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRuntime connects to containerd and starts the background reaper.
func NewRuntime(socketPath, mountRoot string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to containerd: %v", orcerrors.ErrRuntimeUnavailable, err)
	}

	r := &Runtime{
		client:    client,
		namespace: DefaultNamespace,
		mounter:   NewMountPreparer(mountRoot),
		handles:   make(map[string]*Handle),
		stopCh:    make(chan struct{}),
	}

	go r.reapLoop()

	return r, nil
}

// Close disconnects from containerd and stops the reaper.
func (r *Runtime) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Launch validates the target, prepares template mounts, creates the
// container and starts it. If Start fails after Create succeeded, the
// container is destroyed before the error is returned.
func (r *Runtime) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	if _, err := ValidateTarget(spec.Target); err != nil {
		return nil, err
	}

	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("%w: pull image %s: %v", orcerrors.ErrRuntimeUnavailable, spec.Image, err)
		}
	}

	prepared, err := r.mounter.Prepare(spec.JobID, spec.TemplateSelector)
	if err != nil {
		return nil, fmt.Errorf("prepare mounts: %w", err)
	}

	args := []string{"nuclei", "-target", spec.Target, "-jsonl"}
	for _, m := range prepared.mounts {
		args = append(args, "-t", m.Destination)
	}
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(args...),
	}

	if spec.CPULimit > 0 {
		shares := uint64(spec.CPULimit * 1024)
		quota := int64(spec.CPULimit * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if spec.MemoryLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimitBytes)))
	}
	if len(prepared.mounts) > 0 {
		opts = append(opts, oci.WithMounts(prepared.mounts))
	}

	containerName := spec.ContainerName
	if containerName == "" {
		containerName = r.NewContainerName()
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		containerName,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerName+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		r.mounter.Cleanup(prepared)
		return nil, fmt.Errorf("%w: create container: %v", orcerrors.ErrRuntimeUnavailable, err)
	}

	broker := events.NewLogBroker()
	broker.Start()
	ring := newRingBuffer(spec.JobID, broker)

	task, err := ctrdContainer.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, ring, ring)))
	if err != nil {
		broker.Stop()
		_ = ctrdContainer.Delete(ctx, containerd.WithSnapshotCleanup)
		r.mounter.Cleanup(prepared)
		return nil, fmt.Errorf("%w: create task: %v", orcerrors.ErrRuntimeUnavailable, err)
	}

	if err := task.Start(ctx); err != nil {
		broker.Stop()
		_, _ = task.Delete(ctx)
		_ = ctrdContainer.Delete(ctx, containerd.WithSnapshotCleanup)
		r.mounter.Cleanup(prepared)
		return nil, fmt.Errorf("%w: start task: %v", orcerrors.ErrRuntimeUnavailable, err)
	}

	now := time.Now()
	h := &Handle{
		ContainerHandle: types.ContainerHandle{
			ContainerName: containerName,
			JobID:         spec.JobID,
			Image:         spec.Image,
			PID:           task.Pid(),
			CreatedAt:     now,
		},
		task:   task,
		mounts: prepared,
		logs:   broker,
		ring:   ring,
	}
	if spec.TTLAfterExit > 0 {
		h.DestroyAfter = now.Add(spec.Timeout + spec.TTLAfterExit)
	}

	r.mu.Lock()
	r.handles[containerName] = h
	r.mu.Unlock()

	log.Logger.Info().Str("container", containerName).Str("job_id", spec.JobID).Msg("scanner container launched")

	return h, nil
}

// Wait blocks until the task exits, the deadline elapses, or ctx is
// cancelled, whichever comes first. On deadline it force-kills the task.
func (r *Runtime) Wait(ctx context.Context, h *Handle, deadline time.Duration) (int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	waitCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	statusC, err := h.task.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("%w: wait task: %v", orcerrors.ErrRuntimeUnavailable, err)
	}

	select {
	case status := <-statusC:
		return int(status.ExitStatus()), status.Error()
	case <-waitCtx.Done():
		_ = h.task.Kill(ctx, syscall.SIGKILL)
		select {
		case status := <-statusC:
			return int(status.ExitStatus()), orcerrors.ErrTimeout
		case <-time.After(5 * time.Second):
			return -1, orcerrors.ErrTimeout
		}
	}
}

// Destroy stops and removes the container. Idempotent.
func (r *Runtime) Destroy(h *Handle) error {
	ctx := namespaces.WithNamespace(context.Background(), r.namespace)

	if h.task != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := h.task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			statusC, waitErr := h.task.Wait(stopCtx)
			if waitErr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = h.task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		cancel()
		_, _ = h.task.Delete(ctx)
	}

	if h.logs != nil {
		h.logs.Stop()
	}
	if h.mounts != nil {
		r.mounter.Cleanup(h.mounts)
	}

	container, err := r.client.LoadContainer(ctx, h.ContainerName)
	if err == nil {
		if derr := container.Delete(ctx, containerd.WithSnapshotCleanup); derr != nil {
			return fmt.Errorf("delete container: %w", derr)
		}
	}

	r.mu.Lock()
	delete(r.handles, h.ContainerName)
	r.mu.Unlock()

	return nil
}

// Lookup returns the live Handle for a container name, for a collaborator
// (pkg/orchestrator's log-streaming endpoint) that only has the name on
// hand, e.g. from a Job record.
func (r *Runtime) Lookup(containerName string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[containerName]
	return h, ok
}

// MarkTerminal schedules a container for reaping once ttl elapses — called
// once the owning job reaches a terminal state.
func (r *Runtime) MarkTerminal(containerName string, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[containerName]; ok {
		h.DestroyAfter = time.Now().Add(ttl)
	}
}

func (r *Runtime) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reapExpired()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runtime) reapExpired() {
	now := time.Now()

	r.mu.Lock()
	var expired []*Handle
	for _, h := range r.handles {
		if !h.DestroyAfter.IsZero() && now.After(h.DestroyAfter) {
			expired = append(expired, h)
		}
	}
	r.mu.Unlock()

	for _, h := range expired {
		if err := r.Destroy(h); err != nil {
			log.Logger.Warn().Str("container", h.ContainerName).Err(err).Msg("reap failed")
		} else {
			log.Logger.Info().Str("container", h.ContainerName).Msg("container reaped")
		}
	}
}
