package drm

// JobTemplate describes a job to submit. Paths for output and error use the
// DRMAA "[hostname]:path" form.
type JobTemplate struct {
	JobName             string
	RemoteCommand       string
	Args                []string
	WorkingDirectory    string
	OutputPath          string
	ErrorPath           string
	JobEnvironment      map[string]string
	NativeSpecification string

	// handle is set by backends to track allocation.
	handle uint64
}

// Handle returns the backend-assigned allocation handle.
func (jt *JobTemplate) Handle() uint64 {
	return jt.handle
}

// NewJobTemplate returns a template bound to handle. It is meant for Backend
// implementations.
func NewJobTemplate(handle uint64) *JobTemplate {
	return &JobTemplate{handle: handle}
}

// LocalPath strips the optional "hostname:" prefix from a DRMAA path.
func LocalPath(p string) string {
	for i := 0; i < len(p); i++ {
		if p[i] == ':' {
			return p[i+1:]
		}
		if p[i] == '/' {
			break
		}
	}
	return p
}
