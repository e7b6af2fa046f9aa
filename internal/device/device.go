package device

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Kind names a compute device.
type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

// Precision names the numeric precision used for precomputed tables and
// model features.
type Precision string

const (
	Half   Precision = "half"
	Float  Precision = "float"
	Double Precision = "double"
)

// Context is the immutable device/precision pair threaded through every
// component at construction time.
type Context struct {
	Device    Kind
	Precision Precision
}

// UnsupportedError is returned when a device or precision cannot be served
// by this build.
type UnsupportedError struct {
	Field string
	Value string
}

func (e *UnsupportedError) Error() string {
	return "unsupported " + e.Field + ": " + e.Value
}

// Select resolves the device and dtype selectors given on the command line.
// "auto" resolves to the CPU; accelerators are reported as unsupported.
func Select(dev, dtype string) (Context, error) {
	var ctx Context

	switch strings.ToLower(dev) {
	case "", "auto", "cpu":
		ctx.Device = CPU
	case "cuda", "gpu":
		return Context{}, &UnsupportedError{Field: "device", Value: dev}
	default:
		return Context{}, &UnsupportedError{Field: "device", Value: dev}
	}

	switch strings.ToLower(dtype) {
	case "float", "float32", "single":
		ctx.Precision = Float
	case "", "double", "float64":
		ctx.Precision = Double
	default:
		return Context{}, &UnsupportedError{Field: "dtype", Value: dtype}
	}

	return ctx, nil
}

// Round maps x onto the representable values of the context precision.
func (c Context) Round(x float64) float64 {
	if c.Precision == Float {
		return float64(float32(x))
	}
	return x
}

// Key identifies the context in process-wide caches.
func (c Context) Key() string {
	return string(c.Device) + "/" + string(c.Precision)
}

func (c Context) String() string {
	return fmt.Sprintf("%s (%s)", c.Device, c.Precision)
}

// Features lists the vector extensions of the host CPU that matter for the
// dense kernels gonum dispatches to.
func Features() []string {
	var out []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4.1"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
	} {
		if cpuid.CPU.Supports(f.id) {
			out = append(out, f.name)
		}
	}
	return out
}

// LogInfo writes the selected context and host description.
func (c Context) LogInfo() {
	slog.Info("Compute device selected",
		"device", string(c.Device),
		"precision", string(c.Precision),
		"cpu", cpuid.CPU.BrandName,
		"physical_cores", cpuid.CPU.PhysicalCores,
		"logical_cores", cpuid.CPU.LogicalCores,
		"features", strings.Join(Features(), ","),
	)
}
