package drm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobID(t *testing.T) {
	t.Parallel()
	id, err := ParseJobID(" 4242 ")
	require.NoError(t, err)
	assert.Equal(t, JobID(4242), id)
	assert.Equal(t, "4242", id.String())

	for _, bad := range []string{"", "abc", "0", "-3"} {
		_, err := ParseJobID(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestLocalPath(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{":/tmp/out.txt", "/tmp/out.txt"},
		{"node01:/tmp/out.txt", "/tmp/out.txt"},
		{"/tmp/out.txt", "/tmp/out.txt"},
		{"/tmp/a:b.txt", "/tmp/a:b.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LocalPath(tt.in), tt.in)
	}
}

func TestJobState_Finished(t *testing.T) {
	t.Parallel()
	assert.True(t, StateDone.Finished())
	assert.True(t, StateFailed.Finished())
	assert.True(t, StateUndetermined.Finished())
	assert.False(t, StateRunning.Finished())
	assert.False(t, StateQueuedActive.Finished())
}
