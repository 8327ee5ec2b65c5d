// Package scheduler tracks admitted requests and starts them under the
// configured concurrency and memory limits.
package scheduler

import (
	"errors"
	"slices"
	"sync"

	"pkt.systems/heapgate/internal/heap"
	"pkt.systems/heapgate/internal/svcfields"
	"pkt.systems/pslog"
)

var (
	// ErrQueueFull reports that MaxQueued requests are already tracked.
	ErrQueueFull = errors.New("scheduler: queue full")
	// ErrHeapCeiling reports that free memory is under QueueHeapRequired.
	ErrHeapCeiling = errors.New("scheduler: free memory below queue requirement")
	// ErrAllocFailed reports that the request could not be built.
	ErrAllocFailed = errors.New("scheduler: request allocation failed")
)

// Stop reasons reported by a pass.
const (
	StopIdle     = "idle"
	StopParallel = "parallel"
	StopHeap     = "heap"
)

// Options configures a Queue.
type Options struct {
	// Lock guards the queue. Share it with anything else that must be
	// serialised against admission and scheduling. Nil allocates a private
	// mutex.
	Lock   sync.Locker
	Oracle heap.Oracle
	// Floors are the platform safety floors. Zero selects heap.DefaultFloors.
	Floors heap.Floors
	Limits Limits
	Logger pslog.Logger
}

// Queue is the ordered set of live requests plus the pass that starts them.
type Queue struct {
	mu      sync.Locker
	oracle  heap.Oracle
	floors  heap.Floors
	logger  pslog.Logger
	metrics *queueMetrics

	limits  Limits
	items   []Request
	running bool
	rescan  bool
}

// New constructs a queue. A nil oracle reads the host through heap.System.
func New(opts Options) *Queue {
	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}
	if opts.Oracle == nil {
		opts.Oracle = heap.NewSystem()
	}
	logger := svcfields.WithSubsystem(opts.Logger, svcfields.SysScheduler)
	return &Queue{
		mu:      opts.Lock,
		oracle:  opts.Oracle,
		floors:  opts.Floors.OrDefault(),
		logger:  logger,
		metrics: newQueueMetrics(logger),
		limits:  opts.Limits,
	}
}

// Oracle returns the heap oracle the queue reads.
func (q *Queue) Oracle() heap.Oracle {
	return q.oracle
}

// Floors returns the platform safety floors.
func (q *Queue) Floors() heap.Floors {
	return q.floors
}

// Limits returns the current limits.
func (q *Queue) Limits() Limits {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limits
}

// SetLimits replaces the limits. The next pass uses them.
func (q *Queue) SetLimits(l Limits) {
	q.mu.Lock()
	q.limits = l
	q.mu.Unlock()
}

// Admit checks the queue ceilings against available and, when they hold,
// builds a request with alloc and appends it as queued. Both happen in one
// lock span, so alloc must not call back into the queue.
func (q *Queue) Admit(available uint64, alloc func() (Request, error)) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limits.MaxQueued > 0 && len(q.items) >= q.limits.MaxQueued {
		return nil, ErrQueueFull
	}
	if q.limits.QueueHeapRequired > 0 && available < q.limits.QueueHeapRequired {
		return nil, ErrHeapCeiling
	}
	r, err := alloc()
	if err != nil {
		return nil, errors.Join(ErrAllocFailed, err)
	}
	if r == nil {
		return nil, ErrAllocFailed
	}
	r.SetState(StateQueued)
	q.items = append(q.items, r)
	q.updateCountsLocked()
	return r, nil
}

// Dequeue removes r, releases it once it is unlinked and then runs a pass so
// the freed slot goes to the backlog. It reports whether r was tracked.
func (q *Queue) Dequeue(r Request) bool {
	q.mu.Lock()
	idx := slices.Index(q.items, r)
	if idx >= 0 {
		q.items = slices.Delete(q.items, idx, idx+1)
		q.updateCountsLocked()
	}
	q.mu.Unlock()
	if idx >= 0 {
		if rel, ok := r.(Releaser); ok {
			rel.Release()
		}
	}
	q.ProcessQueue()
	return idx >= 0
}

// ProcessQueue starts queued requests until none remain or a limit stops it.
// A call made while a pass is running returns immediately and makes the
// running pass scan again before it exits.
func (q *Queue) ProcessQueue() {
	q.mu.Lock()
	if q.running {
		q.rescan = true
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	for {
		q.metrics.recordPass()
		reason := q.pass()
		q.metrics.recordStop(reason)

		q.mu.Lock()
		for _, r := range q.items {
			if r.State() == StateDeferred {
				r.SetState(StateQueued)
			}
		}
		if !q.rescan {
			q.running = false
			q.updateCountsLocked()
			q.mu.Unlock()
			return
		}
		q.rescan = false
		q.mu.Unlock()
	}
}

func (q *Queue) pass() string {
	for {
		reading := heap.Read(q.oracle)

		q.mu.Lock()
		limits := q.limits
		active := 0
		var next Request
		for _, r := range q.items {
			switch r.State() {
			case StateActive:
				active++
			case StateQueued:
				if next == nil {
					next = r
				}
			}
		}
		if next == nil {
			q.mu.Unlock()
			return StopIdle
		}
		if limits.MaxParallel > 0 && active >= limits.MaxParallel {
			q.mu.Unlock()
			return StopParallel
		}
		heapOK := reading.Available > limits.RequestHeapRequired
		allocOK := reading.LargestBlock > q.floors.Alloc
		if active > 0 && (!heapOK || !allocOK) {
			q.mu.Unlock()
			q.logger.Debug("heapgate.scheduler.heap_wait",
				"active", active,
				"available", reading.Available,
				"largest_block", reading.LargestBlock,
				"heap_ok", heapOK,
				"alloc_ok", allocOK,
			)
			return StopHeap
		}
		q.mu.Unlock()

		ready := true
		if rd, ok := next.(Readier); ok && active > 0 {
			ready = rd.Ready()
		}

		q.mu.Lock()
		if !ready {
			next.SetState(StateDeferred)
			q.mu.Unlock()
			q.metrics.recordDeferred()
			continue
		}
		next.SetState(StateActive)
		q.updateCountsLocked()
		q.mu.Unlock()

		q.metrics.recordStarted()
		next.Start()
	}
}

// NumClients returns the number of tracked requests.
func (q *Queue) NumClients() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueueLength returns the number of requests not started yet.
func (q *Queue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, r := range q.items {
		if r.State().Pending() {
			n++
		}
	}
	return n
}

// Counts returns the number of queued, deferred and active requests.
func (q *Queue) Counts() (queued, deferred, active int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.items {
		switch r.State() {
		case StateQueued:
			queued++
		case StateDeferred:
			deferred++
		case StateActive:
			active++
		}
	}
	return queued, deferred, active
}

// Each calls fn for every tracked request in queue order while holding the
// lock. fn must not call back into the queue.
func (q *Queue) Each(fn func(Request)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.items {
		fn(r)
	}
}

func (q *Queue) updateCountsLocked() {
	pending, active := 0, 0
	for _, r := range q.items {
		if r.State() == StateActive {
			active++
		} else {
			pending++
		}
	}
	q.metrics.setCounts(pending, active)
}
