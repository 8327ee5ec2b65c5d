package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/heapgate/internal/heap"
)

type fakeRequest struct {
	Marker
	id       int
	starts   atomic.Int32
	onStart  func(*fakeRequest)
	ready    func() bool
	released atomic.Bool
	onRel    func()
}

func (f *fakeRequest) Start() {
	f.starts.Add(1)
	if f.onStart != nil {
		f.onStart(f)
	}
}

func (f *fakeRequest) Release() {
	f.released.Store(true)
	if f.onRel != nil {
		f.onRel()
	}
}

type readyRequest struct {
	*fakeRequest
}

func (r readyRequest) Ready() bool { return r.ready() }

func healthy() *heap.Manual {
	return heap.NewManual(1<<20, 1<<20)
}

func admit(t *testing.T, q *Queue, r Request) {
	t.Helper()
	if _, err := q.Admit(1<<20, func() (Request, error) { return r, nil }); err != nil {
		t.Fatalf("admit: %v", err)
	}
}

func stateOf(q *Queue, r Request) (State, bool) {
	var (
		st    State
		found bool
	)
	q.Each(func(it Request) {
		if it == r {
			st, found = it.State(), true
		}
	})
	return st, found
}

func TestProcessQueueRespectsMaxParallel(t *testing.T) {
	q := New(Options{Oracle: healthy(), Limits: Limits{MaxParallel: 2}})
	reqs := make([]*fakeRequest, 5)
	for i := range reqs {
		reqs[i] = &fakeRequest{id: i}
		admit(t, q, reqs[i])
	}
	q.ProcessQueue()

	queued, deferred, active := q.Counts()
	if active != 2 || queued != 3 || deferred != 0 {
		t.Fatalf("expected 2 active 3 queued, got active=%d queued=%d deferred=%d", active, queued, deferred)
	}
	for i, r := range reqs {
		want := int32(0)
		if i < 2 {
			want = 1
		}
		if got := r.starts.Load(); got != want {
			t.Fatalf("request %d started %d times, want %d", i, got, want)
		}
	}
	if q.QueueLength() != 3 || q.NumClients() != 5 {
		t.Fatalf("unexpected counts queue=%d clients=%d", q.QueueLength(), q.NumClients())
	}
}

func TestProcessQueueStartsOneUnderHeapPressure(t *testing.T) {
	oracle := heap.NewManual(0, 0)
	q := New(Options{Oracle: oracle, Limits: Limits{RequestHeapRequired: 4096}})
	first := &fakeRequest{id: 1}
	second := &fakeRequest{id: 2}
	admit(t, q, first)
	admit(t, q, second)

	q.ProcessQueue()
	if first.starts.Load() != 1 {
		t.Fatalf("expected first request to start with nothing active")
	}
	if second.starts.Load() != 0 {
		t.Fatalf("second request must wait while memory is short")
	}
	q.ProcessQueue()
	if second.starts.Load() != 0 {
		t.Fatalf("second request started under heap pressure with one active")
	}

	q.Dequeue(first)
	if second.starts.Load() != 1 {
		t.Fatalf("expected second request to start once nothing was active")
	}
}

func TestProcessQueueHeapGateUsesLargestBlock(t *testing.T) {
	oracle := heap.NewManual(1<<20, heap.MinimumAlloc)
	q := New(Options{Oracle: oracle})
	a, b := &fakeRequest{id: 1}, &fakeRequest{id: 2}
	admit(t, q, a)
	admit(t, q, b)
	q.ProcessQueue()
	if a.starts.Load() != 1 || b.starts.Load() != 0 {
		t.Fatalf("largest block at the floor must hold back the second request")
	}
	oracle.SetLargest(heap.MinimumAlloc + 1)
	q.ProcessQueue()
	if b.starts.Load() != 1 {
		t.Fatalf("expected second request to start once the largest block recovered")
	}
}

func TestDequeueCascades(t *testing.T) {
	q := New(Options{Oracle: healthy(), Limits: Limits{MaxParallel: 1}})
	first := &fakeRequest{id: 1}
	second := &fakeRequest{id: 2}
	admit(t, q, first)
	admit(t, q, second)
	q.ProcessQueue()
	if st, _ := stateOf(q, second); st != StateQueued {
		t.Fatalf("expected second queued, got %s", st)
	}

	if !q.Dequeue(first) {
		t.Fatalf("expected first request to be tracked")
	}
	if !first.released.Load() {
		t.Fatalf("expected release after dequeue")
	}
	if st, _ := stateOf(q, second); st != StateActive {
		t.Fatalf("expected second active after cascade, got %s", st)
	}
	if q.Dequeue(first) {
		t.Fatalf("second dequeue of the same request should report untracked")
	}
}

func TestReleaseRunsAfterRemoval(t *testing.T) {
	q := New(Options{Oracle: healthy()})
	r := &fakeRequest{}
	var clientsAtRelease int
	r.onRel = func() { clientsAtRelease = q.NumClients() }
	admit(t, q, r)
	q.Dequeue(r)
	if clientsAtRelease != 0 {
		t.Fatalf("release ran while the request was still linked")
	}
}

func TestDeferredRequestsRevertAfterPass(t *testing.T) {
	q := New(Options{Oracle: healthy()})
	first := &fakeRequest{id: 1}
	blocked := &fakeRequest{id: 2, ready: func() bool { return false }}
	third := &fakeRequest{id: 3}
	admit(t, q, first)
	admit(t, q, readyRequest{blocked})
	admit(t, q, third)

	q.ProcessQueue()
	if blocked.starts.Load() != 0 {
		t.Fatalf("request that was not ready must not start")
	}
	if third.starts.Load() != 1 {
		t.Fatalf("later queued request should start past a deferred one")
	}
	queued, deferred, active := q.Counts()
	if queued != 1 || deferred != 0 || active != 2 {
		t.Fatalf("expected deferred to revert to queued, got queued=%d deferred=%d active=%d", queued, deferred, active)
	}
}

func TestReadinessIgnoredWithNothingActive(t *testing.T) {
	q := New(Options{Oracle: healthy()})
	r := &fakeRequest{ready: func() bool { return false }}
	admit(t, q, readyRequest{r})
	q.ProcessQueue()
	if r.starts.Load() != 1 {
		t.Fatalf("with nothing active the head request must start")
	}
}

func TestAdmitCeilings(t *testing.T) {
	q := New(Options{Oracle: healthy(), Limits: Limits{MaxQueued: 2}})
	admit(t, q, &fakeRequest{})
	admit(t, q, &fakeRequest{})
	called := false
	_, err := q.Admit(1<<20, func() (Request, error) {
		called = true
		return &fakeRequest{}, nil
	})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if called {
		t.Fatalf("allocator must not run when the queue is full")
	}

	q = New(Options{Oracle: healthy(), Limits: Limits{QueueHeapRequired: 4096}})
	if _, err := q.Admit(2048, func() (Request, error) { return &fakeRequest{}, nil }); !errors.Is(err, ErrHeapCeiling) {
		t.Fatalf("expected ErrHeapCeiling, got %v", err)
	}
	boom := errors.New("boom")
	if _, err := q.Admit(8192, func() (Request, error) { return nil, boom }); !errors.Is(err, ErrAllocFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped alloc failure, got %v", err)
	}
	if q.NumClients() != 0 {
		t.Fatalf("failed admissions must not be tracked")
	}
}

func TestSetLimitsAppliesOnNextPass(t *testing.T) {
	q := New(Options{Oracle: healthy(), Limits: Limits{MaxParallel: 1}})
	a, b := &fakeRequest{}, &fakeRequest{}
	admit(t, q, a)
	admit(t, q, b)
	q.ProcessQueue()
	if b.starts.Load() != 0 {
		t.Fatalf("expected b to wait")
	}
	q.SetLimits(Limits{MaxParallel: 2})
	if got := q.Limits().MaxParallel; got != 2 {
		t.Fatalf("limits not replaced, got %d", got)
	}
	q.ProcessQueue()
	if b.starts.Load() != 1 {
		t.Fatalf("expected b to start after raising MaxParallel")
	}
}

func TestNestedProcessQueueDrains(t *testing.T) {
	q := New(Options{Oracle: healthy(), Limits: Limits{MaxParallel: 1}})
	reqs := make([]*fakeRequest, 3)
	for i := range reqs {
		reqs[i] = &fakeRequest{id: i, onStart: func(f *fakeRequest) { q.Dequeue(f) }}
		admit(t, q, reqs[i])
	}
	q.ProcessQueue()
	for i, r := range reqs {
		if r.starts.Load() != 1 {
			t.Fatalf("request %d started %d times", i, r.starts.Load())
		}
	}
	if q.NumClients() != 0 {
		t.Fatalf("expected empty queue, got %d", q.NumClients())
	}
}

func TestConcurrentAdmitNeverExceedsMaxParallel(t *testing.T) {
	const (
		workers = 8
		perW    = 50
		limit   = 3
	)
	q := New(Options{Oracle: healthy(), Limits: Limits{MaxParallel: limit}})
	var (
		current atomic.Int32
		peak    atomic.Int32
		done    sync.WaitGroup
		pending sync.WaitGroup
		mu      sync.Mutex
		started []*fakeRequest
	)
	pending.Add(workers * perW)
	onStart := func(f *fakeRequest) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		mu.Lock()
		started = append(started, f)
		mu.Unlock()
	}
	finisher := make(chan struct{})
	go func() {
		defer close(finisher)
		finished := 0
		for finished < workers*perW {
			mu.Lock()
			var next *fakeRequest
			if len(started) > 0 {
				next = started[0]
				started = started[1:]
			}
			mu.Unlock()
			if next == nil {
				q.ProcessQueue()
				continue
			}
			current.Add(-1)
			q.Dequeue(next)
			pending.Done()
			finished++
		}
	}()
	for w := 0; w < workers; w++ {
		done.Add(1)
		go func() {
			defer done.Done()
			for i := 0; i < perW; i++ {
				r := &fakeRequest{onStart: onStart}
				if _, err := q.Admit(1<<20, func() (Request, error) { return r, nil }); err != nil {
					t.Errorf("admit: %v", err)
					pending.Done()
					continue
				}
				q.ProcessQueue()
			}
		}()
	}
	done.Wait()
	pending.Wait()
	<-finisher
	if p := peak.Load(); p > limit {
		t.Fatalf("observed %d concurrently active requests, limit %d", p, limit)
	}
	if q.NumClients() != 0 {
		t.Fatalf("expected drained queue, got %d", q.NumClients())
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{StateQueued: "queued", StateDeferred: "deferred", StateActive: "active", State(9): "unknown"} {
		if st.String() != want {
			t.Fatalf("State(%d).String()=%q want %q", st, st.String(), want)
		}
	}
}
