// Package docker implements drm.Backend on top of a Docker daemon. Each job
// runs its script in a dedicated container; the job id is a session-local
// counter and the container is tracked by label so jobs survive a restart of
// the adapter.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"drmadapter/internal/apperrors"
	"drmadapter/internal/drm"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	labelManagedBy = "managed-by"
	labelJobID     = "drm.job-id"
	labelJobName   = "drm.job-name"
	labelSession   = "drm.session"
	managedBy      = "drm-docker"
)

// maxClaimAttempts bounds the job ids RunJob tries when other processes hold
// the next ones.
const maxClaimAttempts = 64

func containerName(id drm.JobID) string {
	return "drm-job-" + id.String()
}

// runScript is run by /bin/sh -c with the script as $0, followed by the
// stdout and stderr paths and the script's own arguments.
const runScript = `out=$1 err=$2; shift 2; exec /bin/sh "$0" "$@" >>"$out" 2>>"$err"`

// Backend runs jobs as Docker containers.
type Backend struct {
	client  *client.Client
	cfg     Config
	session string
	state   *stateRepo
	logger  *slog.Logger

	nextID atomic.Int64

	// recovering is set when Wait reports lost accounting and cleared by the
	// next Wait. While set, JobStatus stops tracking owned jobs it finds
	// finished, since the caller is about to infer their outcome.
	recovering atomic.Bool

	tmplMu     sync.Mutex
	nextHandle uint64
	templates  map[uint64]struct{}
}

// New connects to the Docker daemon configured by the environment and
// resumes tracking any job containers left by a previous session.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}
	if cfg.User == "" {
		cfg.User = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}

	b := &Backend{
		client:    dockerClient,
		cfg:       cfg,
		session:   uuid.NewString(),
		state:     newStateRepo(),
		logger:    slog.With("component", "drm-docker"),
		templates: make(map[uint64]struct{}),
	}
	b.nextID.Store(1)

	if _, err := dockerClient.Ping(ctx); err != nil {
		_ = dockerClient.Close()
		return nil, drm.NewVendorError(drm.ErrnoDRMCommunicationFailure, "docker daemon unreachable: %v", err)
	}

	if err := b.reconcile(ctx); err != nil {
		b.logger.Warn("Failed to reconcile jobs", "error", err)
	}

	return b, nil
}

// reconcile scans Docker for job containers from earlier sessions and tracks
// them again under their original job ids. Adopted jobs answer status and
// control requests but are never reported by Wait: their outcome belongs to
// the session that submitted them.
func (b *Backend) reconcile(ctx context.Context) error {
	containers, err := b.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedBy),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	var highest drm.JobID
	for i := range containers {
		c := &containers[i]
		id, err := drm.ParseJobID(c.Labels[labelJobID])
		if err != nil {
			b.logger.Warn("Skipping container without job id", "containerId", c.ID)
			continue
		}
		if err := b.state.reserve(id); err != nil {
			b.logger.Warn("Duplicate job id", "jobId", id, "containerId", c.ID)
			continue
		}
		b.state.commit(id, &jobState{containerID: c.ID, name: c.Labels[labelJobName], adopted: true})
		highest = max(highest, id)
	}

	if highest > 0 {
		b.nextID.Store(int64(highest) + 1)
	}
	if n := b.state.len(); n > 0 {
		b.logger.Info("Reconciled jobs", "count", n, "nextJobId", b.nextID.Load())
	}
	return nil
}

// AllocateJobTemplate returns an empty template. It must be released with
// DeleteJobTemplate.
func (b *Backend) AllocateJobTemplate() (*drm.JobTemplate, error) {
	b.tmplMu.Lock()
	defer b.tmplMu.Unlock()
	b.nextHandle++
	b.templates[b.nextHandle] = struct{}{}
	return drm.NewJobTemplate(b.nextHandle), nil
}

// DeleteJobTemplate releases a template.
func (b *Backend) DeleteJobTemplate(jt *drm.JobTemplate) error {
	b.tmplMu.Lock()
	defer b.tmplMu.Unlock()
	if _, ok := b.templates[jt.Handle()]; !ok {
		return drm.NewVendorError(drm.ErrnoInvalidArgument, "unknown job template %d", jt.Handle())
	}
	delete(b.templates, jt.Handle())
	return nil
}

// RunJob creates and starts a container for jt.
func (b *Backend) RunJob(ctx context.Context, jt *drm.JobTemplate) (drm.JobID, error) {
	if jt.RemoteCommand == "" {
		return 0, drm.NewVendorError(drm.ErrnoInvalidAttributeValue, "job template has no remote command")
	}
	ns, err := parseNativeSpec(jt.NativeSpecification, b.cfg)
	if err != nil {
		return 0, err
	}

	if err := b.pullImageIfNeeded(ctx, ns.Image); err != nil {
		return 0, apperrors.Internal("docker.imagePull", err)
	}

	id, containerID, err := b.claimJob(ctx, jt, ns)
	if err != nil {
		return 0, err
	}

	if err := b.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		b.removeContainer(context.WithoutCancel(ctx), containerID)
		b.state.release(id)
		return 0, apperrors.Internal("docker.containerStart", err)
	}

	b.state.commit(id, &jobState{containerID: containerID, name: jt.JobName})
	b.logger.Debug("Job started", "jobId", id, "jobName", jt.JobName, "containerId", containerID, "resources", ns.String())
	return id, nil
}

// Wait blocks until a tracked job finishes or timeout elapses, then reaps it:
// the container is removed and the job is no longer tracked.
//
// A tracked container that disappeared without being reaped is reported as
// ErrnoNoRusage once no other job has finished, since its accounting is lost.
// It is no longer tracked afterwards, so a status query reports it as an
// invalid job.
func (b *Backend) Wait(ctx context.Context, timeout time.Duration) (*drm.RawJobInfo, error) {
	b.recovering.Store(false)
	if len(b.state.owned()) == 0 {
		return nil, drm.NewVendorError(drm.ErrnoInvalidJob, "no jobs to wait on")
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before scanning so a job that exits in between is not missed.
	eventFilter := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("label", labelManagedBy+"="+managedBy),
		filters.Arg("event", string(events.ActionDie)),
		filters.Arg("event", string(events.ActionDestroy)),
	)
	eventCh, errCh := b.client.Events(waitCtx, events.ListOptions{Filters: eventFilter})

	for {
		info, err := b.reap(waitCtx)
		if info != nil || err != nil {
			return info, err
		}

		select {
		case <-waitCtx.Done():
			return nil, b.waitDone(ctx)
		case err := <-errCh:
			if waitCtx.Err() != nil {
				return nil, b.waitDone(ctx)
			}
			return nil, drm.NewVendorError(drm.ErrnoDRMCommunicationFailure, "event stream: %v", err)
		case _, ok := <-eventCh:
			if !ok {
				eventCh = nil
			}
		}
	}
}

func (b *Backend) waitDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return drm.NewVendorError(drm.ErrnoExitTimeout, "time-out elapsed")
}

// reap scans this session's jobs in id order and returns the first finished
// one. Running jobs get a usage sample when one is due. Vanished containers
// are reported only when no job has a record to return.
func (b *Backend) reap(ctx context.Context) (*drm.RawJobInfo, error) {
	now := time.Now()
	var vanished []drm.JobID
	for _, id := range b.state.owned() {
		js, ok := b.state.get(id)
		if !ok || js == nil {
			continue
		}

		inspect, err := b.client.ContainerInspect(ctx, js.containerID)
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				vanished = append(vanished, id)
				continue
			}
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, drm.NewVendorError(drm.ErrnoDRMCommunicationFailure, "inspect job %s: %v", id, err)
		}
		if inspect.ContainerJSONBase == nil || inspect.State == nil {
			continue
		}

		if !finished(inspect.State) {
			if inspect.State.Running && js.sampleDue(now, b.cfg.StatsInterval) {
				b.sampleUsage(ctx, id, js)
			}
			continue
		}

		info := rawJobInfo(id, inspect.State, js.lastSample())
		b.removeContainer(context.WithoutCancel(ctx), js.containerID)
		b.state.release(id)
		b.logger.Debug("Job reaped", "jobId", id, "jobName", js.name, "exitCode", info.ExitStatus)
		return info, nil
	}

	if len(vanished) == 0 {
		return nil, nil
	}
	for _, id := range vanished {
		if js, ok := b.state.release(id); ok && js != nil {
			b.logger.Warn("Job container vanished", "jobId", id, "jobName", js.name)
		}
	}
	b.recovering.Store(true)
	return nil, drm.NewVendorError(drm.ErrnoNoRusage, "no usage information was returned for the completed job")
}

func (b *Backend) sampleUsage(ctx context.Context, id drm.JobID, js *jobState) {
	resp, err := b.client.ContainerStatsOneShot(ctx, js.containerID)
	if err != nil {
		b.logger.Debug("Failed to sample usage", "jobId", id, "error", err)
		return
	}
	defer resp.Body.Close()

	var st container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		b.logger.Debug("Failed to decode usage sample", "jobId", id, "error", err)
		return
	}
	js.recordSample(sampleFromStats(&st))
}

// JobStatus reports the state of a tracked job.
//
// After Wait has reported lost accounting, an owned job found finished is
// settled: its container is removed and it is no longer tracked, so its
// outcome is not reported again by a later Wait.
func (b *Backend) JobStatus(ctx context.Context, id drm.JobID) (drm.JobState, error) {
	js, ok := b.state.get(id)
	if !ok {
		return drm.StateUndetermined, drm.NewVendorError(drm.ErrnoInvalidJob, "job %s does not exist", id)
	}
	if js == nil {
		return drm.StateQueuedActive, nil
	}

	state := drm.StateUndetermined
	inspect, err := b.client.ContainerInspect(ctx, js.containerID)
	switch {
	case cerrdefs.IsNotFound(err):
		state, err = drm.StateFailed, nil
	case err != nil:
		err = drm.NewVendorError(drm.ErrnoDRMCommunicationFailure, "inspect job %s: %v", id, err)
	case inspect.ContainerJSONBase != nil:
		state = stateOf(inspect.State)
	}

	// An unknown state counts as finished: the caller infers a failure for it.
	if state.Finished() && !js.adopted && b.recovering.Load() {
		b.settle(ctx, id, js, state)
	}
	return state, err
}

func (b *Backend) settle(ctx context.Context, id drm.JobID, js *jobState, state drm.JobState) {
	if _, ok := b.state.release(id); !ok {
		return
	}
	b.removeContainer(context.WithoutCancel(ctx), js.containerID)
	b.logger.Warn("Job settled without accounting", "jobId", id, "jobName", js.name, "state", state.String())
}

// Control applies action to a tracked job. Hold and release are not
// supported: containers start as soon as they are submitted.
func (b *Backend) Control(ctx context.Context, id drm.JobID, action drm.ControlAction) error {
	js, ok := b.state.get(id)
	if !ok || js == nil {
		return drm.NewVendorError(drm.ErrnoInvalidJob, "job %s does not exist", id)
	}

	var err error
	switch action {
	case drm.ActionTerminate:
		err = b.client.ContainerKill(ctx, js.containerID, "SIGKILL")
	case drm.ActionSuspend:
		err = b.client.ContainerPause(ctx, js.containerID)
	case drm.ActionResume:
		err = b.client.ContainerUnpause(ctx, js.containerID)
	case drm.ActionHold:
		return drm.NewVendorError(drm.ErrnoHoldInconsistentState, "job %s already started", id)
	case drm.ActionRelease:
		return drm.NewVendorError(drm.ErrnoReleaseInconsistentState, "job %s is not on hold", id)
	default:
		return drm.NewVendorError(drm.ErrnoInvalidArgument, "unknown control action %d", action)
	}

	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return drm.NewVendorError(drm.ErrnoInvalidJob, "job %s does not exist", id)
		}
		return apperrors.Internal("docker.control."+action.String(), err)
	}
	return nil
}

// Ping checks that the Docker daemon is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

// Close releases the Docker client. Running job containers are left alone
// and picked up again by the next session.
func (b *Backend) Close() error {
	return b.client.Close()
}

// claimJob creates the container for the next free job id. The container
// name is derived from the id alone, so the daemon rejects an id already
// taken by another process sharing it and the next id is tried.
func (b *Backend) claimJob(ctx context.Context, jt *drm.JobTemplate, ns nativeSpec) (drm.JobID, string, error) {
	for range maxClaimAttempts {
		id := drm.JobID(b.nextID.Add(1) - 1)
		if err := b.state.reserve(id); err != nil {
			continue
		}

		containerID, err := b.createJobContainer(ctx, id, jt, ns)
		if err == nil {
			return id, containerID, nil
		}
		b.state.release(id)
		if !cerrdefs.IsConflict(err) {
			return 0, "", apperrors.Internal("docker.containerCreate", err)
		}
		b.logger.Debug("Job id taken by another session", "jobId", id)
	}
	return 0, "", drm.NewVendorError(drm.ErrnoTryLater, "no free job id after %d attempts", maxClaimAttempts)
}

func (b *Backend) createJobContainer(ctx context.Context, id drm.JobID, jt *drm.JobTemplate, ns nativeSpec) (string, error) {
	containerConfig, hostConfig := b.containerSpec(id, jt, ns)
	name := containerName(id)
	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// containerSpec builds the container for a job. The script runs under
// /bin/sh with stdout and stderr appended to the template's files; every
// directory involved is bind-mounted at the same path.
func (b *Backend) containerSpec(id drm.JobID, jt *drm.JobTemplate, ns nativeSpec) (*container.Config, *container.HostConfig) {
	script := drm.LocalPath(jt.RemoteCommand)
	stdout := drm.LocalPath(jt.OutputPath)
	if stdout == "" {
		stdout = "/dev/null"
	}
	stderr := drm.LocalPath(jt.ErrorPath)
	if stderr == "" {
		stderr = "/dev/null"
	}

	cmd := append([]string{"/bin/sh", "-c", runScript, script, stdout, stderr}, jt.Args...)

	env := make([]string, 0, len(jt.JobEnvironment))
	for k, v := range jt.JobEnvironment {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)

	labels := map[string]string{
		labelManagedBy: managedBy,
		labelJobID:     strconv.FormatInt(int64(id), 10),
		labelJobName:   jt.JobName,
		labelSession:   b.session,
	}
	for k, v := range ns.Labels {
		if _, reserved := labels[k]; !reserved {
			labels[k] = v
		}
	}

	workDir := drm.LocalPath(jt.WorkingDirectory)

	containerConfig := &container.Config{
		Image:      ns.Image,
		Cmd:        cmd,
		Env:        env,
		User:       b.cfg.User,
		WorkingDir: workDir,
		Labels:     labels,
	}

	hostConfig := &container.HostConfig{
		Mounts:      bindMounts(workDir, filepath.Dir(script), dirOf(stdout), dirOf(stderr)),
		NetworkMode: container.NetworkMode(ns.Network),
		ExtraHosts:  b.cfg.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(ns.CPUs * 1e9),
			Memory:   ns.Memory,
		},
	}
	return containerConfig, hostConfig
}

func dirOf(p string) string {
	if p == "/dev/null" {
		return ""
	}
	return filepath.Dir(p)
}

// bindMounts returns one read-write bind mount per distinct absolute
// directory, in sorted order.
func bindMounts(dirs ...string) []mount.Mount {
	var uniq []string
	for _, d := range dirs {
		if d == "" || !filepath.IsAbs(d) || d == "/" {
			continue
		}
		d = filepath.Clean(d)
		if !slices.Contains(uniq, d) {
			uniq = append(uniq, d)
		}
	}
	slices.Sort(uniq)

	mounts := make([]mount.Mount, 0, len(uniq))
	for _, d := range uniq {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: d,
			Target: d,
		})
	}
	return mounts
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := b.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := b.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *Backend) removeContainer(ctx context.Context, containerID string) {
	if err := b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		b.logger.Warn("Failed to remove container", "containerId", containerID, "error", err)
	}
}

var _ drm.Backend = (*Backend)(nil)
