package heap

import (
	"math"
	"runtime/debug"
	"runtime/metrics"
)

const (
	metricTotal    = "/memory/classes/total:bytes"
	metricReleased = "/memory/classes/heap/released:bytes"
	metricHeapFree = "/memory/classes/heap/free:bytes"
)

// Runtime reads the Go allocator through runtime/metrics and measures it
// against a byte budget.
//
// Available counts budget headroom plus free heap spans the runtime retains.
// LargestBlock counts only headroom the runtime can still map, since retained
// free spans may be split into pieces too small for a single allocation.
type Runtime struct {
	budget uint64
}

// NewRuntime returns a runtime oracle. A zero budget uses the soft memory limit
// (GOMEMLIMIT); when that is unset Budget reports zero.
func NewRuntime(budget uint64) *Runtime {
	if budget == 0 {
		if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
			budget = uint64(limit)
		}
	}
	return &Runtime{budget: budget}
}

// Budget returns the byte budget the oracle measures against.
func (r *Runtime) Budget() uint64 {
	return r.budget
}

// Available implements Oracle.
func (r *Runtime) Available() uint64 {
	mapped, free := r.read()
	return saturatingSub(r.budget, mapped) + free
}

// LargestBlock implements Oracle.
func (r *Runtime) LargestBlock() uint64 {
	mapped, _ := r.read()
	return saturatingSub(r.budget, mapped)
}

// Sample implements Sampler with a single runtime/metrics read.
func (r *Runtime) Sample() Reading {
	mapped, free := r.read()
	headroom := saturatingSub(r.budget, mapped)
	return Reading{Available: headroom + free, LargestBlock: headroom}
}

// read returns bytes mapped by the runtime (excluding pages released to the
// OS) and free heap bytes retained for reuse.
func (r *Runtime) read() (mapped, free uint64) {
	samples := [3]metrics.Sample{
		{Name: metricTotal},
		{Name: metricReleased},
		{Name: metricHeapFree},
	}
	metrics.Read(samples[:])
	total := sampleUint(samples[0])
	released := sampleUint(samples[1])
	free = sampleUint(samples[2])
	mapped = saturatingSub(total, released)
	mapped = saturatingSub(mapped, free)
	return mapped, free
}

func sampleUint(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
