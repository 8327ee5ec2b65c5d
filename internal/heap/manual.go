package heap

import "sync/atomic"

// Manual is an oracle whose readings are set explicitly.
type Manual struct {
	available atomic.Uint64
	largest   atomic.Uint64
}

// NewManual returns a manual oracle with the supplied readings.
func NewManual(available, largest uint64) *Manual {
	m := &Manual{}
	m.Set(available, largest)
	return m
}

// Set replaces both readings.
func (m *Manual) Set(available, largest uint64) {
	m.available.Store(available)
	m.largest.Store(largest)
}

// SetAvailable replaces the available reading.
func (m *Manual) SetAvailable(v uint64) { m.available.Store(v) }

// SetLargest replaces the largest-block reading.
func (m *Manual) SetLargest(v uint64) { m.largest.Store(v) }

// Available implements Oracle.
func (m *Manual) Available() uint64 {
	return m.available.Load()
}

// LargestBlock implements Oracle.
func (m *Manual) LargestBlock() uint64 {
	return m.largest.Load()
}
