// Package heap reports how much memory the process can still allocate. Every
// admission and scheduling decision reads it directly; readings are never
// cached.
package heap

import (
	"fmt"
	"strings"
)

const (
	// MinimumHeap is the free-memory floor below which new connections are
	// dropped without a response.
	MinimumHeap uint64 = 8 << 10
	// MinimumAlloc is the largest-block floor below which new connections are
	// dropped and no further requests start while others are active.
	MinimumAlloc uint64 = 2 << 10
)

// Floors is a pair of platform safety floors.
type Floors struct {
	Heap  uint64
	Alloc uint64
}

// Floor profiles. The compact profile suits small heaps where the network
// stack does little allocation of its own.
var (
	DefaultFloors = Floors{Heap: MinimumHeap, Alloc: MinimumAlloc}
	CompactFloors = Floors{Heap: 2 << 10, Alloc: 1 << 10}
)

// Floor profile names accepted by FloorsFor.
const (
	ProfileDefault = "default"
	ProfileCompact = "compact"
)

// FloorsFor returns the floors of a named profile.
func FloorsFor(profile string) (Floors, error) {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileDefault:
		return DefaultFloors, nil
	case ProfileCompact:
		return CompactFloors, nil
	default:
		return Floors{}, fmt.Errorf("heap: unknown floor profile %q (want %s or %s)", profile, ProfileDefault, ProfileCompact)
	}
}

// OrDefault returns f, or DefaultFloors when f is zero.
func (f Floors) OrDefault() Floors {
	if f == (Floors{}) {
		return DefaultFloors
	}
	return f
}

// Below reports whether r is under either floor.
func (f Floors) Below(r Reading) bool {
	return r.Available < f.Heap || r.LargestBlock < f.Alloc
}

// Source names accepted by Select.
const (
	SourceRuntime = "runtime"
	SourceSystem  = "system"
)

// Oracle reports allocatable memory.
type Oracle interface {
	// Available returns the total free memory the allocator can hand out.
	Available() uint64
	// LargestBlock returns the biggest single allocation that can currently
	// succeed.
	LargestBlock() uint64
}

// Select builds an oracle for the named source. A runtime oracle needs a
// budget (explicit, or GOMEMLIMIT); without one the system oracle is used.
func Select(source string, budget uint64) (Oracle, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", SourceRuntime:
		if rt := NewRuntime(budget); rt.Budget() > 0 {
			return rt, nil
		}
		return NewSystem(), nil
	case SourceSystem:
		return NewSystem(), nil
	default:
		return nil, fmt.Errorf("heap: unknown source %q (want %s or %s)", source, SourceRuntime, SourceSystem)
	}
}

// Reading is a point-in-time pair of oracle values.
type Reading struct {
	Available    uint64
	LargestBlock uint64
}

// Sampler is implemented by oracles that can take both values from one
// underlying read.
type Sampler interface {
	Sample() Reading
}

// Read samples both values from o, in one read when o is a Sampler.
func Read(o Oracle) Reading {
	if s, ok := o.(Sampler); ok {
		return s.Sample()
	}
	return Reading{Available: o.Available(), LargestBlock: o.LargestBlock()}
}
