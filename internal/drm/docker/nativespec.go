package docker

import (
	"fmt"
	"io"

	"drmadapter/internal/drm"

	"github.com/docker/go-units"
	"github.com/google/shlex"
	"github.com/spf13/pflag"
)

// nativeSpec holds the per-job resource requests parsed from a job
// template's native specification, e.g. "--image python:3.12 --cpus 2 --memory 4G".
type nativeSpec struct {
	Image   string
	CPUs    float64
	Memory  int64 // bytes, 0 for no limit
	Network string
	Labels  map[string]string
}

// parseNativeSpec parses spec on top of the backend defaults. An empty spec
// yields the defaults. Errors are reported as invalid attribute values.
func parseNativeSpec(spec string, cfg Config) (nativeSpec, error) {
	ns := nativeSpec{
		Image:   cfg.Image,
		Network: cfg.Network,
	}

	args, err := shlex.Split(spec)
	if err != nil {
		return ns, drm.NewVendorError(drm.ErrnoInvalidAttributeFormat, "native specification %q: %v", spec, err)
	}
	if len(args) == 0 {
		return ns, nil
	}

	var memory string
	fs := pflag.NewFlagSet("native specification", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&ns.Image, "image", ns.Image, "container image")
	fs.Float64Var(&ns.CPUs, "cpus", 0, "number of CPUs")
	fs.StringVarP(&memory, "memory", "m", "", "memory limit (e.g. 512M, 4G)")
	fs.StringVar(&ns.Network, "network", ns.Network, "network mode")
	fs.StringToStringVar(&ns.Labels, "label", nil, "extra container labels")

	if err := fs.Parse(args); err != nil {
		return ns, drm.NewVendorError(drm.ErrnoInvalidAttributeValue, "native specification %q: %v", spec, err)
	}
	if fs.NArg() > 0 {
		return ns, drm.NewVendorError(drm.ErrnoInvalidAttributeValue, "native specification %q: unexpected argument %q", spec, fs.Arg(0))
	}
	if ns.Image == "" {
		return ns, drm.NewVendorError(drm.ErrnoInvalidAttributeValue, "native specification %q: no image", spec)
	}
	if ns.CPUs < 0 {
		return ns, drm.NewVendorError(drm.ErrnoInvalidAttributeValue, "native specification %q: negative cpus", spec)
	}
	if memory != "" {
		b, err := units.RAMInBytes(memory)
		if err != nil {
			return ns, drm.NewVendorError(drm.ErrnoInvalidAttributeValue, "native specification %q: memory: %v", spec, err)
		}
		ns.Memory = b
	}
	return ns, nil
}

func (ns nativeSpec) String() string {
	return fmt.Sprintf("image=%s cpus=%g memory=%s network=%s",
		ns.Image, ns.CPUs, units.BytesSize(float64(ns.Memory)), ns.Network)
}
