// Package lsf samples heap, queue and host load at a fixed cadence. It keeps
// heap low-water marks for the status dump and warns when the heap falls
// under the platform floors.
package lsf

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/heapgate/internal/heap"
	"pkt.systems/heapgate/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls the sampling cadence.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	LogInterval    time.Duration `yaml:"log_interval"`
}

// QueueCounter reports the scheduler's current request counts.
type QueueCounter interface {
	Counts() (queued, deferred, active int)
}

// Snapshot is one sample.
type Snapshot struct {
	Available       uint64
	LargestBlock    uint64
	MinAvailable    uint64
	MinLargestBlock uint64
	Queued          int
	Deferred        int
	Active          int
	Pressure        bool
	RSSBytes        uint64
	SystemMemoryPct float64
	SystemLoad1     float64
	SystemLoad5     float64
	SystemLoad15    float64
	Load1Baseline   float64
	Load1Multiplier float64
	Goroutines      int
	CollectedAt     time.Time
}

// Observer runs the sampling loop.
type Observer struct {
	cfg     Config
	oracle  heap.Oracle
	floors  heap.Floors
	queue   QueueCounter
	logger  pslog.Logger
	metrics *lsfMetrics
	running atomic.Bool
	wg      sync.WaitGroup

	mu              sync.Mutex
	last            Snapshot
	minAvailable    uint64
	minLargest      uint64
	lowWaterSet     bool
	pressure        bool
	lastLogTime     time.Time
	loadBaseline1   float64
	loadBaselineSet bool
}

// NewObserver constructs an observer. queue may be nil.
func NewObserver(cfg Config, oracle heap.Oracle, floors heap.Floors, queue QueueCounter, logger pslog.Logger) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	logger = svcfields.WithSubsystem(logger, svcfields.SysLSF)
	o := &Observer{
		cfg:    cfg,
		oracle: oracle,
		floors: floors.OrDefault(),
		queue:  queue,
		logger: logger,
	}
	o.metrics = newLSFMetrics(logger)
	return o
}

// Start launches the sampling loop. Only the first call starts it.
func (o *Observer) Start(ctx context.Context) {
	if !o.cfg.Enabled || o.oracle == nil {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() {
	o.wg.Wait()
}

// Snapshot returns the latest sample.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// LowWater returns the lowest Available and LargestBlock seen so far. ok is
// false before the first sample.
func (o *Observer) LowWater() (available, largest uint64, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.minAvailable, o.minLargest, o.lowWaterSet
}

// ResetLowWater forgets the recorded low-water marks.
func (o *Observer) ResetLowWater() {
	o.mu.Lock()
	o.lowWaterSet = false
	o.minAvailable, o.minLargest = 0, 0
	o.mu.Unlock()
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()

	o.sample(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sample(now)
		}
	}
}

func (o *Observer) sample(ts time.Time) {
	if o.oracle == nil {
		return
	}
	reading := heap.Read(o.oracle)
	snap := Snapshot{
		Available:    reading.Available,
		LargestBlock: reading.LargestBlock,
		Pressure:     o.floors.Below(reading),
		Goroutines:   runtime.NumGoroutine(),
		CollectedAt:  ts,
	}
	if o.queue != nil {
		snap.Queued, snap.Deferred, snap.Active = o.queue.Counts()
	}
	if v, err := readRSSBytes(); err == nil {
		snap.RSSBytes = v
	}
	if sys, err := gatherSystemUsage(); err == nil {
		snap.SystemMemoryPct = sys.memoryPercent
		snap.SystemLoad1 = sys.load1
		snap.SystemLoad5 = sys.load5
		snap.SystemLoad15 = sys.load15
	}

	o.mu.Lock()
	if !o.lowWaterSet || reading.Available < o.minAvailable {
		o.minAvailable = reading.Available
	}
	if !o.lowWaterSet || reading.LargestBlock < o.minLargest {
		o.minLargest = reading.LargestBlock
	}
	o.lowWaterSet = true
	snap.MinAvailable, snap.MinLargestBlock = o.minAvailable, o.minLargest
	snap.Load1Baseline, snap.Load1Multiplier = o.updateLoadBaseline(snap.SystemLoad1)
	wasPressure := o.pressure
	o.pressure = snap.Pressure
	logDue := o.cfg.LogInterval > 0 && (o.lastLogTime.IsZero() || ts.Sub(o.lastLogTime) >= o.cfg.LogInterval)
	if logDue {
		o.lastLogTime = ts
	}
	o.last = snap
	o.mu.Unlock()

	o.metrics.recordSample(snap)
	switch {
	case snap.Pressure && !wasPressure:
		o.logger.Warn("heapgate.lsf.pressure",
			"available", snap.Available,
			"largest_block", snap.LargestBlock,
			"floor_heap", o.floors.Heap,
			"floor_alloc", o.floors.Alloc,
			"active", snap.Active,
			"queued", snap.Queued)
	case !snap.Pressure && wasPressure:
		o.logger.Info("heapgate.lsf.recovered",
			"available", snap.Available,
			"largest_block", snap.LargestBlock)
	}
	if logDue {
		o.logger.Debug("heapgate.lsf.sample",
			"available", snap.Available,
			"largest_block", snap.LargestBlock,
			"min_available", snap.MinAvailable,
			"min_largest_block", snap.MinLargestBlock,
			"queued", snap.Queued,
			"deferred", snap.Deferred,
			"active", snap.Active,
			"rss_bytes", snap.RSSBytes,
			"system_memory_percent", snap.SystemMemoryPct,
			"system_load1", snap.SystemLoad1,
			"system_load5", snap.SystemLoad5,
			"system_load15", snap.SystemLoad15,
			"load1_baseline", snap.Load1Baseline,
			"load1_multiplier", snap.Load1Multiplier,
			"goroutines", snap.Goroutines,
		)
	}
}

func (o *Observer) updateLoadBaseline(load1 float64) (float64, float64) {
	const alpha = 0.05
	if !o.loadBaselineSet {
		o.loadBaseline1 = initialBaseline(load1)
		o.loadBaselineSet = true
	}
	o.loadBaseline1 = ewma(o.loadBaseline1, load1, alpha)
	return o.loadBaseline1, ratio(load1, o.loadBaseline1)
}

func initialBaseline(load float64) float64 {
	if load <= 0 {
		return 0.1
	}
	return load
}

func ewma(current, value, alpha float64) float64 {
	if current <= 0 {
		return value
	}
	return current + (value-current)*alpha
}

func ratio(value, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return value / baseline
}
