package transport

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"pkt.systems/heapgate/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultSendBuffer mirrors four 1436 byte segments.
	DefaultSendBuffer = 4 * 1436
	// DefaultReadBuffer is the size of the read loop's buffer.
	DefaultReadBuffer = 1436
)

// TCPOptions configures a TCPConn.
type TCPOptions struct {
	SendBuffer int
	ReadBuffer int
	Logger     pslog.Logger
}

// TCPConn adapts a net.Conn to Conn. A writer goroutine drains the send
// buffer and reports acknowledgements once bytes reach the socket. The read
// loop starts when the first data callback is registered, so connections that
// wait in the queue leave their bytes in the kernel.
type TCPConn struct {
	conn     net.Conn
	logger   pslog.Logger
	limit    int
	readSize int

	mu       sync.Mutex
	pending  []byte
	inflight int
	idle     time.Duration
	onData   DataFunc
	onAck    AckFunc
	onDisc   DisconnectFunc
	reading  bool
	closing  bool
	closed   bool
	timedOut bool

	wake     chan struct{}
	done     chan struct{}
	teardown sync.Once
}

// NewTCPConn wraps c and starts its writer.
func NewTCPConn(c net.Conn, opts TCPOptions) *TCPConn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = DefaultReadBuffer
	}
	tc := &TCPConn{
		conn:     c,
		logger:   svcfields.WithSubsystem(opts.Logger, svcfields.SysTransport),
		limit:    opts.SendBuffer,
		readSize: opts.ReadBuffer,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go tc.writeLoop()
	return tc
}

// Send implements Conn.
func (c *TCPConn) Send(p []byte, flags WriteFlag) int {
	if len(p) == 0 {
		return 0
	}
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return 0
	}
	space := c.limit - len(c.pending) - c.inflight
	n := min(len(p), space)
	if n <= 0 {
		c.mu.Unlock()
		return 0
	}
	c.pending = append(c.pending, p[:n]...)
	c.mu.Unlock()
	if flags&FlagMore == 0 {
		c.signal()
	}
	return n
}

// Close implements Conn.
func (c *TCPConn) Close(immediate bool) {
	c.mu.Lock()
	if c.closed || (c.closing && !immediate) {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if immediate {
		c.pending = nil
	}
	c.mu.Unlock()
	if immediate {
		if tcp, ok := c.conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		c.shutdown(nil)
		return
	}
	c.signal()
}

// SetIdleTimeout implements Conn.
func (c *TCPConn) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.idle = d
	reading := c.reading
	c.mu.Unlock()
	if reading {
		c.armDeadline(d)
	}
}

// SetNoDelay implements Conn.
func (c *TCPConn) SetNoDelay(noDelay bool) {
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(noDelay)
	}
}

// OnData implements Conn. The first registration starts the read loop.
func (c *TCPConn) OnData(fn DataFunc) {
	c.mu.Lock()
	c.onData = fn
	start := fn != nil && !c.reading && !c.closed
	if start {
		c.reading = true
	}
	c.mu.Unlock()
	if start {
		go c.readLoop()
	}
}

// OnAck implements Conn.
func (c *TCPConn) OnAck(fn AckFunc) {
	c.mu.Lock()
	c.onAck = fn
	c.mu.Unlock()
}

// OnDisconnect implements Conn.
func (c *TCPConn) OnDisconnect(fn DisconnectFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
	c.onDisc = fn
	c.mu.Unlock()
}

// SendSpace implements Conn.
func (c *TCPConn) SendSpace() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.closed {
		return 0
	}
	return max(c.limit-len(c.pending)-c.inflight, 0)
}

// RemoteAddr implements Conn.
func (c *TCPConn) RemoteAddr() string {
	host, _ := splitAddr(c.conn.RemoteAddr())
	return host
}

// RemotePort implements Conn.
func (c *TCPConn) RemotePort() int {
	_, port := splitAddr(c.conn.RemoteAddr())
	return port
}

// LocalAddr implements Conn.
func (c *TCPConn) LocalAddr() string {
	host, _ := splitAddr(c.conn.LocalAddr())
	return host
}

// TimedOut reports whether the read loop ended on the idle timeout.
func (c *TCPConn) TimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedOut
}

// Done is closed once the connection has been torn down.
func (c *TCPConn) Done() <-chan struct{} {
	return c.done
}

func (c *TCPConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *TCPConn) armDeadline(d time.Duration) {
	if d > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
		return
	}
	_ = c.conn.SetReadDeadline(time.Time{})
}

func (c *TCPConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			chunk := c.pending
			c.pending = nil
			c.inflight = len(chunk)
			closing := c.closing
			c.mu.Unlock()
			if len(chunk) == 0 {
				if closing {
					c.shutdown(nil)
					return
				}
				break
			}
			start := time.Now()
			n, err := c.conn.Write(chunk)
			c.mu.Lock()
			c.inflight = 0
			ack := c.onAck
			c.mu.Unlock()
			if n > 0 && ack != nil {
				ack(n, time.Since(start))
			}
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *TCPConn) readLoop() {
	buf := make([]byte, c.readSize)
	for {
		c.mu.Lock()
		idle := c.idle
		c.mu.Unlock()
		c.armDeadline(idle)
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			fn := c.onData
			c.mu.Unlock()
			if fn != nil {
				fn(buf[:n])
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.mu.Lock()
				c.timedOut = true
				c.mu.Unlock()
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *TCPConn) shutdown(cause error) {
	c.teardown.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.mu.Lock()
		c.closed = true
		c.pending = nil
		fn := c.onDisc
		c.onDisc = nil
		timedOut := c.timedOut
		c.mu.Unlock()
		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) && !timedOut {
			c.logger.Debug("heapgate.transport.error", "remote", c.conn.RemoteAddr().String(), "error", cause)
		}
		c.logger.Trace("heapgate.transport.closed", "remote", c.conn.RemoteAddr().String(), "timed_out", timedOut)
		if fn != nil {
			fn()
		}
	})
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
