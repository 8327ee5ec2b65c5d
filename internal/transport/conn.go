// Package transport defines the connection contract heapgate drives and two
// implementations of it: a TCP adapter with a bounded send buffer and an
// in-memory connection for tests and embedding.
package transport

import "time"

// WriteFlag modifies a Send call.
type WriteFlag uint8

const (
	// FlagCopy asks the transport to copy the payload. Both implementations
	// always copy; the flag exists for callers that mirror other transports.
	FlagCopy WriteFlag = 1 << iota
	// FlagMore holds the flush until a Send without the flag arrives.
	FlagMore
)

// DataFunc receives inbound bytes. p is only valid for the duration of the call.
type DataFunc func(p []byte)

// AckFunc reports n bytes acknowledged by the transport.
type AckFunc func(n int, elapsed time.Duration)

// DisconnectFunc fires once when the connection is gone.
type DisconnectFunc func()

// Conn is an asynchronous connection. Callbacks run on transport goroutines
// and must not block.
type Conn interface {
	// Send queues as much of p as the send buffer accepts and returns the
	// number of bytes queued. Zero means the buffer is full or the connection
	// is closed.
	Send(p []byte, flags WriteFlag) int
	// Close shuts the connection down. An immediate close discards unsent
	// bytes; otherwise queued bytes are flushed first.
	Close(immediate bool)
	// SetIdleTimeout bounds how long the connection waits for inbound data.
	// Zero disables the timeout.
	SetIdleTimeout(d time.Duration)
	SetNoDelay(noDelay bool)
	OnData(fn DataFunc)
	OnAck(fn AckFunc)
	// OnDisconnect registers fn. When the connection is already gone fn runs
	// immediately.
	OnDisconnect(fn DisconnectFunc)
	// SendSpace returns the free bytes in the send buffer.
	SendSpace() int
	RemoteAddr() string
	RemotePort() int
	LocalAddr() string
}

// TimeoutReporter is implemented by connections that can tell whether they
// were torn down by the idle timeout.
type TimeoutReporter interface {
	TimedOut() bool
}
