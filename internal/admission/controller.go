// Package admission decides, for every accepted connection, whether the
// process can afford to track a request for it.
package admission

import (
	"errors"
	"time"

	"pkt.systems/heapgate/internal/heap"
	"pkt.systems/heapgate/internal/scheduler"
	"pkt.systems/heapgate/internal/svcfields"
	"pkt.systems/heapgate/internal/transport"
	"pkt.systems/pslog"
)

// DefaultIdleTimeout bounds how long an admitted connection may stay silent.
const DefaultIdleTimeout = 3 * time.Second

// Unavailable is the fixed reply sent when a queue ceiling is exceeded.
const Unavailable = "HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\n"

var unavailable = []byte(Unavailable)

// Outcome is the result of one admission decision.
type Outcome uint8

const (
	// Admitted means a request was queued for the connection.
	Admitted Outcome = iota
	// Rejected means the connection received the fixed 503 reply.
	Rejected
	// Dropped means the connection was closed without a reply.
	Dropped
	// AllocFailed means the request could not be built and the connection
	// was closed.
	AllocFailed
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Rejected:
		return "rejected"
	case Dropped:
		return "dropped"
	case AllocFailed:
		return "alloc_failed"
	default:
		return "unknown"
	}
}

// Allocator builds the request for an admitted connection. It runs under the
// queue lock and must not register connection callbacks or touch the queue.
type Allocator func(conn transport.Conn) (scheduler.Request, error)

// Attacher is implemented by requests that hook themselves to their
// connection once queued. Attach runs outside the queue lock.
type Attacher interface {
	Attach()
}

// Options configures a Controller.
type Options struct {
	Queue       *scheduler.Queue
	Allocate    Allocator
	IdleTimeout time.Duration
	Logger      pslog.Logger
}

// Controller gates new connections on free memory and queue limits.
type Controller struct {
	queue    *scheduler.Queue
	oracle   heap.Oracle
	floors   heap.Floors
	allocate Allocator
	idle     time.Duration
	logger   pslog.Logger
	metrics  *admissionMetrics
}

// New constructs a controller.
func New(opts Options) (*Controller, error) {
	if opts.Queue == nil {
		return nil, errors.New("admission: queue required")
	}
	if opts.Allocate == nil {
		return nil, errors.New("admission: allocator required")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	logger := svcfields.WithSubsystem(opts.Logger, svcfields.SysAdmission)
	return &Controller{
		queue:    opts.Queue,
		oracle:   opts.Queue.Oracle(),
		floors:   opts.Queue.Floors(),
		allocate: opts.Allocate,
		idle:     opts.IdleTimeout,
		logger:   logger,
		metrics:  newAdmissionMetrics(logger),
	}, nil
}

// Admit runs the admission decision for a freshly accepted connection.
func (c *Controller) Admit(conn transport.Conn) Outcome {
	reading := heap.Read(c.oracle)
	if c.floors.Below(reading) {
		conn.Close(true)
		c.logger.Warn("heapgate.admission.dropped",
			"remote", conn.RemoteAddr(),
			"port", conn.RemotePort(),
			"clients", c.queue.NumClients(),
			"available", reading.Available,
			"largest_block", reading.LargestBlock,
		)
		c.metrics.record(Dropped)
		return Dropped
	}

	req, err := c.queue.Admit(reading.Available, func() (scheduler.Request, error) {
		conn.SetIdleTimeout(c.idle)
		return c.allocate(conn)
	})
	switch {
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrHeapCeiling):
		c.logger.Debug("heapgate.admission.rejected",
			"remote", conn.RemoteAddr(),
			"port", conn.RemotePort(),
			"reason", rejectReason(err),
			"clients", c.queue.NumClients(),
			"available", reading.Available,
			"largest_block", reading.LargestBlock,
		)
		c.reject(conn)
		c.metrics.record(Rejected)
		return Rejected
	case err != nil:
		conn.Close(true)
		c.logger.Warn("heapgate.admission.alloc_failed",
			"remote", conn.RemoteAddr(),
			"port", conn.RemotePort(),
			"error", err,
		)
		c.metrics.record(AllocFailed)
		return AllocFailed
	}

	if a, ok := req.(Attacher); ok {
		a.Attach()
	}
	c.metrics.record(Admitted)
	c.logger.Trace("heapgate.admission.admitted",
		"remote", conn.RemoteAddr(),
		"port", conn.RemotePort(),
		"available", reading.Available,
	)
	c.queue.ProcessQueue()
	return Admitted
}

// reject answers with the fixed 503 and closes on the first acknowledgement.
// The first data to arrive before that triggers one resend; later data is
// ignored.
func (c *Controller) reject(conn transport.Conn) {
	conn.SetNoDelay(true)
	conn.OnDisconnect(func() {
		c.logger.Trace("heapgate.admission.rejected_disconnect", "remote", conn.RemoteAddr(), "port", conn.RemotePort())
	})
	conn.OnAck(func(n int, _ time.Duration) {
		if n > 0 {
			conn.Close(true)
		}
	})
	conn.OnData(func([]byte) {
		conn.OnData(nil)
		sendUnavailable(conn)
	})
	sendUnavailable(conn)
}

func sendUnavailable(conn transport.Conn) {
	if conn.Send(unavailable, transport.FlagCopy) == 0 {
		conn.Close(true)
	}
}

func rejectReason(err error) string {
	if errors.Is(err, scheduler.ErrQueueFull) {
		return "queue_full"
	}
	return "heap_ceiling"
}
