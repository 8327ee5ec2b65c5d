package scheduler

// Limits bounds admission and scheduling. A zero field is unbounded.
type Limits struct {
	// MaxQueued caps the number of tracked requests; admission answers 503
	// at the cap.
	MaxQueued int `yaml:"max_queued"`
	// MaxParallel caps the number of active requests.
	MaxParallel int `yaml:"max_parallel"`
	// QueueHeapRequired is the free memory admission needs to queue a request.
	QueueHeapRequired uint64 `yaml:"queue_heap_required"`
	// RequestHeapRequired is the free memory a pass needs to start a request
	// while another is active.
	RequestHeapRequired uint64 `yaml:"request_heap_required"`
}

// Unbounded reports whether no limit is set.
func (l Limits) Unbounded() bool {
	return l == Limits{}
}
