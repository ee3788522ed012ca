package docker

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"drmadapter/internal/apperrors"
	"drmadapter/internal/drm"
)

// jobState holds the runtime state for a single submitted job.
type jobState struct {
	containerID string
	name        string
	adopted     bool // found by reconcile rather than submitted by this session

	mu     sync.Mutex
	sample usageSample
}

func (js *jobState) recordSample(s usageSample) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.sample = js.sample.merge(s)
}

func (js *jobState) lastSample() usageSample {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.sample
}

func (js *jobState) sampleDue(now time.Time, interval time.Duration) bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.sample.sampledAt.IsZero() || now.Sub(js.sample.sampledAt) >= interval
}

// stateRepo tracks the jobs this session is responsible for, keyed by job id.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[drm.JobID]*jobState
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		jobs: make(map[drm.JobID]*jobState),
	}
}

// reserve claims a job id. The slot holds nil until commit is called.
func (r *stateRepo) reserve(id drm.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[id]; exists {
		return apperrors.Conflict("job", strconv.FormatInt(int64(id), 10), "job id already tracked")
	}
	r.jobs[id] = nil
	return nil
}

// commit fills in a reserved slot.
func (r *stateRepo) commit(id drm.JobID, js *jobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = js
}

// release stops tracking a job. Returns the state if it existed.
func (r *stateRepo) release(id drm.JobID) (*jobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, exists := r.jobs[id]
	if exists {
		delete(r.jobs, id)
	}
	return js, exists
}

// get returns (nil, true) for a reserved but uncommitted job.
func (r *stateRepo) get(id drm.JobID) (*jobState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	js, exists := r.jobs[id]
	return js, exists
}

// owned returns, in ascending order, the ids of jobs submitted by this
// session, including reserved ones.
func (r *stateRepo) owned() []drm.JobID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]drm.JobID, 0, len(r.jobs))
	for id, js := range r.jobs {
		if js == nil || !js.adopted {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *stateRepo) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
