package httpreq

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"pkt.systems/heapgate/internal/transport"
	"pkt.systems/pslog"
)

const maxChunk = 4 * 1436

type responseState uint8

const (
	stateSetup responseState = iota
	stateHeaders
	stateContent
	stateWaitAck
	stateEnd
	stateFailed
)

func (s responseState) String() string {
	switch s {
	case stateSetup:
		return "setup"
	case stateHeaders:
		return "headers"
	case stateContent:
		return "content"
	case stateWaitAck:
		return "wait_ack"
	case stateEnd:
		return "end"
	default:
		return "failed"
	}
}

// Counters is a snapshot of a response's progress.
type Counters struct {
	State   string
	Head    int64
	Content int64
	Sent    int64
	Acked   int64
	Written int64
}

// Response is written asynchronously: it queues what the connection
// accepts, resumes on acknowledgements and closes the connection once every
// written byte is acknowledged.
type Response struct {
	mu          sync.Mutex
	conn        transport.Conn
	logger      pslog.Logger
	code        int
	contentType string
	header      http.Header
	body        []byte
	src         io.Reader
	length      int64
	headOnly    bool

	state   responseState
	pending []byte

	headLength    int64
	sentLength    int64
	ackedLength   int64
	writtenLength int64
}

// NewResponse returns a response with an in-memory body.
func NewResponse(code int, contentType string, body []byte) *Response {
	return &Response{
		code:        code,
		contentType: contentType,
		header:      make(http.Header),
		body:        body,
		length:      int64(len(body)),
	}
}

// NewStreamResponse returns a response that reads its body from src. A
// negative length leaves Content-Length out; the closing connection ends the
// body.
func NewStreamResponse(code int, contentType string, src io.Reader, length int64) *Response {
	if length >= 0 {
		src = readCloser{Reader: io.LimitReader(src, length), src: src}
	}
	return &Response{
		code:        code,
		contentType: contentType,
		header:      make(http.Header),
		src:         src,
		length:      length,
	}
}

type readCloser struct {
	io.Reader
	src io.Reader
}

func (rc readCloser) Close() error {
	if c, ok := rc.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// AddHeader adds a response header.
func (w *Response) AddHeader(name, value string) {
	w.mu.Lock()
	w.header.Add(name, value)
	w.mu.Unlock()
}

// Code returns the status code.
func (w *Response) Code() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.code
}

// Counters returns the progress counters.
func (w *Response) Counters() Counters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Counters{
		State:   w.state.String(),
		Head:    w.headLength,
		Content: w.length,
		Sent:    w.sentLength,
		Acked:   w.ackedLength,
		Written: w.writtenLength,
	}
}

// Finished reports whether every byte was written and acknowledged.
func (w *Response) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateEnd
}

func (w *Response) respond(conn transport.Conn, logger pslog.Logger, headOnly bool) {
	w.mu.Lock()
	if w.state != stateSetup {
		w.mu.Unlock()
		return
	}
	w.conn = conn
	w.logger = logger
	w.headOnly = headOnly
	head := w.buildHeadLocked()
	w.headLength = int64(len(head))
	w.pending = head
	w.state = stateHeaders
	done := w.fillLocked()
	w.mu.Unlock()
	if done {
		w.finish()
	}
}

func (w *Response) buildHeadLocked() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", w.code, http.StatusText(w.code))
	h := w.header.Clone()
	h.Set("Connection", "close")
	if w.contentType != "" {
		h.Set("Content-Type", w.contentType)
	}
	if w.length >= 0 && bodyAllowed(w.code) {
		h.Set("Content-Length", strconv.FormatInt(w.length, 10))
	}
	_ = h.Write(&b)
	b.WriteString("\r\n")
	return b.Bytes()
}

func bodyAllowed(code int) bool {
	return code >= 200 && code != http.StatusNoContent && code != http.StatusNotModified
}

// fillLocked queues as much as the connection takes and reports whether the
// response is complete.
func (w *Response) fillLocked() bool {
	for w.state == stateHeaders || w.state == stateContent {
		if len(w.pending) == 0 {
			w.state = stateContent
			chunk, eof := w.nextChunkLocked()
			if len(chunk) == 0 {
				if eof {
					w.state = stateWaitAck
					w.closeSourceLocked()
				}
				break
			}
			w.pending = chunk
		}
		n := w.conn.Send(w.pending, transport.FlagCopy)
		w.writtenLength += int64(n)
		w.pending = w.pending[n:]
		if len(w.pending) > 0 {
			break
		}
	}
	return w.state == stateWaitAck && w.ackedLength >= w.writtenLength
}

func (w *Response) nextChunkLocked() ([]byte, bool) {
	if w.headOnly || !bodyAllowed(w.code) {
		return nil, true
	}
	if w.src == nil {
		if w.sentLength >= int64(len(w.body)) {
			return nil, true
		}
		chunk := w.body[w.sentLength:]
		w.sentLength += int64(len(chunk))
		return chunk, false
	}
	space := w.conn.SendSpace()
	if space <= 0 {
		return nil, false
	}
	buf := make([]byte, min(space, maxChunk))
	for range 8 {
		n, err := w.src.Read(buf)
		if n > 0 {
			w.sentLength += int64(n)
			return buf[:n], false
		}
		if err == io.EOF {
			return nil, true
		}
		if err != nil {
			w.failLocked(err)
			return nil, false
		}
	}
	w.failLocked(io.ErrNoProgress)
	return nil, false
}

func (w *Response) ack(n int) {
	w.mu.Lock()
	w.ackedLength += int64(n)
	var done bool
	switch w.state {
	case stateHeaders, stateContent:
		done = w.fillLocked()
	case stateWaitAck:
		done = w.ackedLength >= w.writtenLength
	}
	w.mu.Unlock()
	if done {
		w.finish()
	}
}

func (w *Response) finish() {
	w.mu.Lock()
	if w.state != stateWaitAck {
		w.mu.Unlock()
		return
	}
	w.state = stateEnd
	conn := w.conn
	w.mu.Unlock()
	conn.Close(false)
}

func (w *Response) failLocked(err error) {
	w.state = stateFailed
	w.closeSourceLocked()
	if w.logger != nil {
		w.logger.Warn("heapgate.response.source_failed", "error", err)
	}
	// Close on a separate goroutine: the caller holds w.mu and the
	// connection's disconnect path reaches back into the response.
	go w.conn.Close(true)
}

func (w *Response) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateEnd {
		w.state = stateFailed
	}
	w.closeSourceLocked()
}

func (w *Response) closeSourceLocked() {
	if c, ok := w.src.(io.Closer); ok {
		_ = c.Close()
	}
	w.src = nil
}

// Send writes a text response.
func (r *Request) Send(code int, contentType, content string) {
	r.SendResponse(NewResponse(code, contentType, []byte(content)))
}

// SendBytes writes a response with an in-memory body.
func (r *Request) SendBytes(code int, contentType string, content []byte) {
	r.SendResponse(NewResponse(code, contentType, content))
}

// SendStream writes a response that reads its body from src.
func (r *Request) SendStream(code int, contentType string, src io.Reader, length int64) {
	r.SendResponse(NewStreamResponse(code, contentType, src, length))
}

// Redirect answers 302 with a Location header.
func (r *Request) Redirect(location string) {
	resp := NewResponse(http.StatusFound, "", nil)
	resp.AddHeader("Location", location)
	r.SendResponse(resp)
}

// SendResponse starts writing resp. A request gets one response; later
// calls are ignored.
func (r *Request) SendResponse(resp *Response) {
	if resp == nil {
		return
	}
	if !r.response.CompareAndSwap(nil, resp) {
		r.logger.Debug("heapgate.request.duplicate_response", "path", r.path, "code", resp.code)
		if c, ok := resp.src.(io.Closer); ok {
			_ = c.Close()
		}
		return
	}
	if r.gone.Load() {
		resp.abort()
		return
	}
	r.conn.SetIdleTimeout(0)
	r.logger.Debug("heapgate.request.respond", "path", r.path, "code", resp.code)
	resp.respond(r.conn, r.logger, r.method == MethodHead)
}
