package docker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"drmadapter/internal/apperrors"
	"drmadapter/internal/drm"
	"drmadapter/internal/job"
	"drmadapter/internal/session"
	"drmadapter/internal/usage"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon serves the container create, inspect, remove and event endpoints. A
// container missing from the map answers 404.
type fakeDaemon struct {
	mu         sync.Mutex
	containers map[string]*container.State
	removed    []string
	names      map[string]bool // container names already taken
	createErr  int             // status returned by create, when set
}

func (d *fakeDaemon) set(id string, st *container.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers[id] = st
}

func (d *fakeDaemon) removedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removed...)
}

func (d *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{version}/containers/{id}/json", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		st, ok := d.containers[r.PathValue("id")]
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "No such container: " + r.PathValue("id")})
			return
		}
		_ = json.NewEncoder(w).Encode(container.InspectResponse{
			ContainerJSONBase: &container.ContainerJSONBase{ID: r.PathValue("id"), State: st},
		})
	})
	mux.HandleFunc("DELETE /{version}/containers/{id}", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		delete(d.containers, r.PathValue("id"))
		d.removed = append(d.removed, r.PathValue("id"))
		d.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /{version}/containers/create", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		d.mu.Lock()
		taken, status := d.names[name], d.createErr
		if !taken && status == 0 {
			d.names[name] = true
		}
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case status != 0:
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "daemon error"})
		case taken:
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Conflict. The container name " + name + " is already in use"})
		default:
			_ = json.NewEncoder(w).Encode(container.CreateResponse{ID: "id-" + name})
		}
	})
	mux.HandleFunc("GET /{version}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	return mux
}

func newFakeBackend(t *testing.T) (*Backend, *fakeDaemon) {
	t.Helper()
	daemon := &fakeDaemon{
		containers: make(map[string]*container.State),
		names:      make(map[string]bool),
	}
	srv := httptest.NewServer(daemon.handler())
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+strings.TrimPrefix(srv.URL, "http://")),
		client.WithVersion("1.45"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	b := &Backend{
		client:    cli,
		cfg:       Config{StatsInterval: time.Hour},
		session:   "0123456789abcdef",
		state:     newStateRepo(),
		logger:    slog.Default(),
		templates: make(map[uint64]struct{}),
	}
	b.nextID.Store(1)
	return b, daemon
}

func track(t *testing.T, b *Backend, id drm.JobID, containerID string, adopted bool) {
	t.Helper()
	require.NoError(t, b.state.reserve(id))
	b.state.commit(id, &jobState{containerID: containerID, name: "task-" + id.String(), adopted: adopted})
}

func exited(code int) *container.State {
	return &container.State{Status: "exited", ExitCode: code}
}

func running() *container.State {
	return &container.State{Status: "running", Running: true}
}

func TestBackend_ReapReturnsFinishedBeforeVanished(t *testing.T) {
	t.Parallel()
	b, daemon := newFakeBackend(t)
	ctx := context.Background()

	track(t, b, 1, "c1", false) // container gone
	track(t, b, 2, "c2", false)
	daemon.set("c2", exited(0))

	info, err := b.reap(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, drm.JobID(2), info.JobID)
	assert.Equal(t, 0, info.ExitStatus)
	assert.True(t, info.HasExited)
	assert.Equal(t, []string{"c2"}, daemon.removedIDs())
	assert.Equal(t, []drm.JobID{1}, b.state.owned())
	assert.False(t, b.recovering.Load())

	info, err = b.reap(ctx)
	assert.Nil(t, info)
	var ve *drm.VendorError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, drm.ErrnoNoRusage, ve.Code)
	assert.Empty(t, b.state.owned())
	assert.True(t, b.recovering.Load())

	_, err = b.JobStatus(ctx, 1)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, drm.ErrnoInvalidJob, ve.Code)
}

func TestBackend_JobStatusSettlesFinishedJobsDuringRecovery(t *testing.T) {
	t.Parallel()
	b, daemon := newFakeBackend(t)
	ctx := context.Background()

	track(t, b, 1, "c1", false) // container gone
	track(t, b, 2, "c2", false)
	track(t, b, 3, "c3", false)
	track(t, b, 9, "c9", true)
	daemon.set("c2", running())
	daemon.set("c3", running())
	daemon.set("c9", exited(0))

	_, err := b.reap(ctx)
	require.Error(t, err)
	require.True(t, b.recovering.Load())

	// Job 2 finishes after the scan but before its status is queried.
	daemon.set("c2", exited(0))

	state, err := b.JobStatus(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, drm.StateDone, state)
	assert.Equal(t, []drm.JobID{3}, b.state.owned())
	assert.Equal(t, []string{"c2"}, daemon.removedIDs())

	state, err = b.JobStatus(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, drm.StateRunning, state)

	// Adopted jobs belong to the session that submitted them.
	state, err = b.JobStatus(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, drm.StateDone, state)
	_, tracked := b.state.get(9)
	assert.True(t, tracked)

	_, err = b.JobStatus(ctx, 2)
	var ve *drm.VendorError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, drm.ErrnoInvalidJob, ve.Code)
}

func TestBackend_JobStatusOutsideRecoveryKeepsJob(t *testing.T) {
	t.Parallel()
	b, daemon := newFakeBackend(t)

	track(t, b, 4, "c4", false)
	daemon.set("c4", exited(1))

	state, err := b.JobStatus(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, drm.StateFailed, state)
	assert.Equal(t, []drm.JobID{4}, b.state.owned())
	assert.Empty(t, daemon.removedIDs())
}

func TestBackend_WaitEndsRecovery(t *testing.T) {
	t.Parallel()
	b, _ := newFakeBackend(t)
	b.recovering.Store(true)

	_, err := b.Wait(context.Background(), 10*time.Millisecond)
	var ve *drm.VendorError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, drm.ErrnoInvalidJob, ve.Code)
	assert.False(t, b.recovering.Load())
}

func TestBackend_PollerReportsFinishedJobNextToVanishedOne(t *testing.T) {
	t.Parallel()
	b, daemon := newFakeBackend(t)

	track(t, b, 1, "c1", false) // container gone
	track(t, b, 2, "c2", false)
	daemon.set("c2", exited(0))

	sessions := session.NewManager(func(ctx context.Context) (drm.Backend, error) {
		return b, nil
	})
	poller := job.NewPoller(sessions, 200*time.Millisecond, nil)

	lost, done := drm.JobID(1), drm.JobID(2)
	outstanding := map[drm.JobID]*job.Task{
		lost: {UID: "removed", JobID: &lost},
		done: {UID: "succeeded", JobID: &done},
	}

	c := poller.Wait(context.Background(), outstanding)
	got := map[string]job.Completion{}
	for c.Next() {
		got[c.Completion().Task.UID] = c.Completion()
	}
	require.NoError(t, c.Err())
	assert.Empty(t, outstanding)

	require.Contains(t, got, "succeeded")
	assert.True(t, got["succeeded"].Info.Successful)
	assert.Equal(t, 0, got["succeeded"].Info.ExitStatus)
	assert.False(t, got["succeeded"].Recovered)

	require.Contains(t, got, "removed")
	assert.True(t, got["removed"].Recovered)
	assert.Equal(t, usage.ExitTempFail, got["removed"].Info.ExitStatus)

	assert.Empty(t, b.state.owned())
	assert.Equal(t, []string{"c2"}, daemon.removedIDs())
}

func claimTemplate() *drm.JobTemplate {
	jt := drm.NewJobTemplate(1)
	jt.JobName = "task"
	jt.RemoteCommand = "/work/task/command.bash"
	jt.OutputPath = ":/work/task/stdout.txt"
	jt.ErrorPath = ":/work/task/stderr.txt"
	return jt
}

func TestBackend_ClaimJobSkipsIDsTakenElsewhere(t *testing.T) {
	t.Parallel()
	b, daemon := newFakeBackend(t)
	daemon.names[containerName(1)] = true
	daemon.names[containerName(2)] = true

	id, containerID, err := b.claimJob(context.Background(), claimTemplate(), nativeSpec{Image: "alpine:3.20"})
	require.NoError(t, err)
	assert.Equal(t, drm.JobID(3), id)
	assert.Equal(t, "id-drm-job-3", containerID)
	assert.Equal(t, []drm.JobID{3}, b.state.owned(), "the claimed id stays reserved")
	assert.Equal(t, int64(4), b.nextID.Load())
}

func TestBackend_ClaimJobDaemonFailure(t *testing.T) {
	t.Parallel()
	b, daemon := newFakeBackend(t)
	daemon.createErr = http.StatusInternalServerError

	_, _, err := b.claimJob(context.Background(), claimTemplate(), nativeSpec{Image: "alpine:3.20"})
	assert.ErrorIs(t, err, apperrors.ErrInternal)
	assert.Empty(t, b.state.owned())
}
