package transport

import (
	"sync"
	"time"
)

// MemConn is an in-memory Conn. Inbound data, acknowledgements and
// disconnects are injected by the caller.
type MemConn struct {
	mu        sync.Mutex
	remote    string
	port      int
	local     string
	capacity  int
	unacked   int
	sent      []byte
	sends     int
	idle      time.Duration
	noDelay   bool
	closed    bool
	immediate bool
	gone      bool
	onData    DataFunc
	onAck     AckFunc
	onDisc    DisconnectFunc
}

// NewMemConn returns a connection from remote:port accepted on local.
func NewMemConn(remote string, port int, local string) *MemConn {
	return &MemConn{remote: remote, port: port, local: local, capacity: DefaultSendBuffer}
}

// SetSendSpace sets the send buffer capacity. Zero makes every Send fail.
func (m *MemConn) SetSendSpace(n int) {
	m.mu.Lock()
	m.capacity = n
	m.mu.Unlock()
}

// Send implements Conn.
func (m *MemConn) Send(p []byte, _ WriteFlag) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends++
	if m.closed || len(p) == 0 {
		return 0
	}
	n := min(len(p), m.capacity-m.unacked)
	if n <= 0 {
		return 0
	}
	m.sent = append(m.sent, p[:n]...)
	m.unacked += n
	return n
}

// Close implements Conn. Closing disconnects.
func (m *MemConn) Close(immediate bool) {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.immediate = immediate
	}
	m.mu.Unlock()
	m.Disconnect()
}

// SetIdleTimeout implements Conn.
func (m *MemConn) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	m.idle = d
	m.mu.Unlock()
}

// SetNoDelay implements Conn.
func (m *MemConn) SetNoDelay(noDelay bool) {
	m.mu.Lock()
	m.noDelay = noDelay
	m.mu.Unlock()
}

// OnData implements Conn.
func (m *MemConn) OnData(fn DataFunc) {
	m.mu.Lock()
	m.onData = fn
	m.mu.Unlock()
}

// OnAck implements Conn.
func (m *MemConn) OnAck(fn AckFunc) {
	m.mu.Lock()
	m.onAck = fn
	m.mu.Unlock()
}

// OnDisconnect implements Conn.
func (m *MemConn) OnDisconnect(fn DisconnectFunc) {
	m.mu.Lock()
	if m.gone {
		m.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
	m.onDisc = fn
	m.mu.Unlock()
}

// SendSpace implements Conn.
func (m *MemConn) SendSpace() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	return max(m.capacity-m.unacked, 0)
}

// RemoteAddr implements Conn.
func (m *MemConn) RemoteAddr() string { return m.remote }

// RemotePort implements Conn.
func (m *MemConn) RemotePort() int { return m.port }

// LocalAddr implements Conn.
func (m *MemConn) LocalAddr() string { return m.local }

// Receive delivers p to the data callback.
func (m *MemConn) Receive(p []byte) {
	m.mu.Lock()
	fn := m.onData
	closed := m.closed
	m.mu.Unlock()
	if fn != nil && !closed {
		fn(p)
	}
}

// Ack acknowledges up to n unacknowledged bytes and returns how many were
// acknowledged.
func (m *MemConn) Ack(n int) int {
	m.mu.Lock()
	n = min(n, m.unacked)
	m.unacked -= n
	fn := m.onAck
	m.mu.Unlock()
	if n > 0 && fn != nil {
		fn(n, 0)
	}
	return n
}

// AckAll acknowledges every outstanding byte, including bytes sent from
// within the acknowledgement callback, and returns the total.
func (m *MemConn) AckAll() int {
	total := 0
	for {
		m.mu.Lock()
		n := m.unacked
		m.mu.Unlock()
		if n == 0 {
			return total
		}
		total += m.Ack(n)
	}
}

// Disconnect fires the disconnect callback once.
func (m *MemConn) Disconnect() {
	m.mu.Lock()
	if m.gone {
		m.mu.Unlock()
		return
	}
	m.gone = true
	fn := m.onDisc
	m.onDisc = nil
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Sent returns a copy of every byte accepted by Send.
func (m *MemConn) Sent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.sent...)
}

// Sends returns how many times Send was called.
func (m *MemConn) Sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

// Closed reports whether Close was called and whether it was immediate.
func (m *MemConn) Closed() (closed, immediate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.immediate
}

// Gone reports whether the disconnect fired.
func (m *MemConn) Gone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gone
}

// IdleTimeout returns the last idle timeout set.
func (m *MemConn) IdleTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle
}

// NoDelay returns the last no-delay setting.
func (m *MemConn) NoDelay() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noDelay
}
