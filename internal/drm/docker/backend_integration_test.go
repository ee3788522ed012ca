//go:build integration

package docker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"drmadapter/internal/drm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(context.Background(), Config{Image: "alpine:3.20", StatsInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func submitScript(t *testing.T, b *Backend, body, spec string) (drm.JobID, string) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "command.sh")
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	jt, err := b.AllocateJobTemplate()
	require.NoError(t, err)
	defer func() { require.NoError(t, b.DeleteJobTemplate(jt)) }()

	jt.JobName = t.Name()
	jt.RemoteCommand = script
	jt.OutputPath = ":" + filepath.Join(dir, "stdout.txt")
	jt.ErrorPath = ":" + filepath.Join(dir, "stderr.txt")
	jt.JobEnvironment = map[string]string{"GREETING": "hello"}
	jt.NativeSpecification = spec

	id, err := b.RunJob(context.Background(), jt)
	require.NoError(t, err)
	return id, dir
}

func waitFor(t *testing.T, b *Backend) *drm.RawJobInfo {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		info, err := b.Wait(context.Background(), time.Second)
		if err == nil {
			return info
		}
		var ve *drm.VendorError
		require.ErrorAs(t, err, &ve)
		require.Equal(t, drm.ErrnoExitTimeout, ve.Code, "unexpected wait error: %v", err)
	}
	t.Fatal("timed out waiting for job")
	return nil
}

func TestBackend_RunAndWait(t *testing.T) {
	b := newTestBackend(t)

	id, dir := submitScript(t, b, "echo \"$GREETING\"\necho oops >&2\nsleep 1\nexit 3\n", "--memory 64M")

	require.Eventually(t, func() bool {
		state, err := b.JobStatus(context.Background(), id)
		return err == nil && state == drm.StateRunning
	}, 30*time.Second, 100*time.Millisecond)

	info := waitFor(t, b)
	assert.Equal(t, id, info.JobID)
	assert.Equal(t, 3, info.ExitStatus)
	assert.True(t, info.HasExited)

	ji, err := info.Validate()
	require.NoError(t, err)
	assert.Greater(t, ji.Usage.WallClock, 0.5)

	stdout, err := os.ReadFile(filepath.Join(dir, "stdout.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(stdout))
	stderr, err := os.ReadFile(filepath.Join(dir, "stderr.txt"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(stderr))

	_, err = b.JobStatus(context.Background(), id)
	assert.Equal(t, drm.KindNotFound, drm.KindOf(drm.Classify("jobStatus", err)), "reaped jobs are forgotten")

	_, err = b.Wait(context.Background(), 100*time.Millisecond)
	assert.Equal(t, drm.KindNotFound, drm.KindOf(drm.Classify("wait", err)))
}

func TestBackend_Terminate(t *testing.T) {
	b := newTestBackend(t)

	id, _ := submitScript(t, b, "sleep 300\n", "")
	require.Eventually(t, func() bool {
		state, err := b.JobStatus(context.Background(), id)
		return err == nil && state == drm.StateRunning
	}, 30*time.Second, 100*time.Millisecond)

	require.NoError(t, b.Control(context.Background(), id, drm.ActionTerminate))

	info := waitFor(t, b)
	assert.Equal(t, id, info.JobID)
	assert.True(t, info.HasSignal)
	assert.Equal(t, "SIGKILL", info.TerminatingSignal)
}

func TestBackend_VanishedContainerIsAmbiguous(t *testing.T) {
	b := newTestBackend(t)

	id, _ := submitScript(t, b, "sleep 300\n", "")
	js, ok := b.state.get(id)
	require.True(t, ok)
	b.removeContainer(context.Background(), js.containerID)

	_, err := b.Wait(context.Background(), 5*time.Second)
	assert.Equal(t, drm.KindAmbiguous, drm.KindOf(drm.Classify("wait", err)))

	_, err = b.JobStatus(context.Background(), id)
	assert.Equal(t, drm.KindNotFound, drm.KindOf(drm.Classify("jobStatus", err)))
}

func TestBackend_AdoptsEarlierSessionJobs(t *testing.T) {
	first := newTestBackend(t)
	id, _ := submitScript(t, first, "sleep 300\n", "")

	second := newTestBackend(t)
	require.Eventually(t, func() bool {
		state, err := second.JobStatus(context.Background(), id)
		return err == nil && state == drm.StateRunning
	}, 30*time.Second, 100*time.Millisecond)

	// The adopted job is not second's to reap.
	_, err := second.Wait(context.Background(), time.Second)
	assert.Equal(t, drm.KindNotFound, drm.KindOf(drm.Classify("wait", err)))

	// New ids continue past the adopted one.
	nextID, _ := submitScript(t, second, "true\n", "")
	assert.Greater(t, nextID, id)
	assert.Equal(t, nextID, waitFor(t, second).JobID)

	require.NoError(t, second.Control(context.Background(), id, drm.ActionTerminate))
	assert.Equal(t, id, waitFor(t, first).JobID)
}
