package heap

import (
	"github.com/shirou/gopsutil/v4/mem"
)

// System reports host memory through gopsutil. The host exposes no
// fragmentation data, so LargestBlock equals Available.
type System struct {
	read func() (*mem.VirtualMemoryStat, error)
}

// NewSystem returns an oracle backed by the host's memory statistics.
func NewSystem() *System {
	return &System{read: mem.VirtualMemory}
}

// Available implements Oracle. A failed read reports zero so callers shed
// load rather than admit blindly.
func (s *System) Available() uint64 {
	vm, err := s.read()
	if err != nil || vm == nil {
		return 0
	}
	return vm.Available
}

// LargestBlock implements Oracle.
func (s *System) LargestBlock() uint64 {
	return s.Available()
}

// Sample implements Sampler with a single host read.
func (s *System) Sample() Reading {
	avail := s.Available()
	return Reading{Available: avail, LargestBlock: avail}
}
