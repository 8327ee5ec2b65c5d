// Package httpreq holds the per-connection request object: it buffers and
// parses the request, hands it to the router, feeds the body to the bound
// handler and writes the response asynchronously.
package httpreq

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/heapgate/internal/heap"
	"pkt.systems/heapgate/internal/scheduler"
	"pkt.systems/heapgate/internal/svcfields"
	"pkt.systems/heapgate/internal/transport"
	"pkt.systems/pslog"
)

// Defaults for Config.
const (
	DefaultMaxHeaderBytes = 4 << 10
	DefaultMaxBodyBytes   = 64 << 10
	DefaultStartBlock     = 4 << 10
)

// InterestAny keeps every header after routing.
const InterestAny = "ANY"

// Failure reasons reported through Options.OnFailure.
const (
	FailureIdleTimeout    = "idle_timeout"
	FailureHeaderOverflow = "header_overflow"
)

// Config bounds what a request may buffer.
type Config struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
	// StartBlock is the contiguous allocation a request needs before it can
	// start while other requests are active.
	StartBlock uint64
}

func (c Config) withDefaults() Config {
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.StartBlock == 0 {
		c.StartBlock = DefaultStartBlock
	}
	return c
}

// Options wires a request to the rest of the server.
type Options struct {
	Router Router
	Oracle heap.Oracle
	Config Config
	Logger pslog.Logger
	// OnDone is called once when the connection is gone. The server uses it
	// to dequeue the request.
	OnDone func(*Request)
	// OnFailure reports client misbehaviour by remote address.
	OnFailure func(remote, reason string)
}

type phase int32

const (
	phaseWaiting phase = iota
	phaseHeaders
	phaseBody
	phaseHandling
	phaseDone
)

// Request is one HTTP request on one connection.
type Request struct {
	scheduler.Marker

	id        xid.ID
	conn      transport.Conn
	router    Router
	oracle    heap.Oracle
	cfg       Config
	logger    pslog.Logger
	onDone    func(*Request)
	onFailure func(remote, reason string)
	created   time.Time

	phase atomic.Int32
	gone  atomic.Bool

	// Parse state below is only touched from the connection's data callback
	// and from the handler it invokes. Release runs elsewhere, so it only
	// moves the phase to done and the data callback drops the buffers.
	head          []byte
	body          []byte
	received      int64
	method        Method
	methodName    string
	path          string
	rawQuery      string
	version       string
	host          string
	contentType   string
	contentLength int64
	expect        string
	headers       http.Header
	params        []Param
	pathArgs      []string
	interesting   map[string]struct{}
	handler       Handler
	tempObject    any

	response atomic.Pointer[Response]

	traceMu sync.Mutex
	ctx     context.Context
	span    trace.Span
}

// New builds a request for conn. It only allocates; callbacks are hooked by
// Attach and Start.
func New(conn transport.Conn, opts Options) (*Request, error) {
	if conn == nil {
		return nil, errNilConn
	}
	if opts.Router == nil {
		return nil, errNilRouter
	}
	if opts.Oracle == nil {
		opts.Oracle = heap.NewSystem()
	}
	id := xid.New()
	logger := svcfields.WithSubsystem(opts.Logger, svcfields.SysRequest).With("req_id", id.String())
	return &Request{
		id:        id,
		conn:      conn,
		router:    opts.Router,
		oracle:    opts.Oracle,
		cfg:       opts.Config.withDefaults(),
		logger:    logger,
		onDone:    opts.OnDone,
		onFailure: opts.OnFailure,
		created:   time.Now(),
		ctx:       context.Background(),
	}, nil
}

// Attach hooks the disconnect callback. The request stays silent until
// Start so that queued connections do not read.
func (r *Request) Attach() {
	r.conn.OnDisconnect(r.handleDisconnect)
}

// Start begins reading and parsing.
func (r *Request) Start() {
	if !r.phase.CompareAndSwap(int32(phaseWaiting), int32(phaseHeaders)) {
		return
	}
	ctx, span := otel.Tracer("pkt.systems/heapgate/httpreq").Start(context.Background(), "heapgate.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("heapgate.request.id", r.id.String()),
			attribute.String("net.peer.ip", r.conn.RemoteAddr()),
		),
	)
	r.traceMu.Lock()
	r.ctx, r.span = ctx, span
	r.traceMu.Unlock()
	r.logger.Trace("heapgate.request.start", "remote", r.conn.RemoteAddr(), "waited", time.Since(r.created))
	r.conn.OnAck(r.handleAck)
	r.conn.OnData(r.handleData)
}

// Ready reports whether the largest free block can hold the request's
// buffers.
func (r *Request) Ready() bool {
	return r.oracle.LargestBlock() >= r.cfg.StartBlock
}

// Release marks the request done and closes any response source once the
// request has left the queue. Buffers are dropped by the data callback.
func (r *Request) Release() {
	r.phase.Store(int32(phaseDone))
	if resp := r.response.Load(); resp != nil {
		resp.abort()
	}
	r.traceMu.Lock()
	span := r.span
	r.span = nil
	r.traceMu.Unlock()
	if span != nil {
		if resp := r.response.Load(); resp != nil {
			span.SetAttributes(attribute.Int("http.status_code", resp.Code()))
		}
		span.End()
	}
}

func (r *Request) handleDisconnect() {
	if !r.gone.CompareAndSwap(false, true) {
		return
	}
	if tr, ok := r.conn.(transport.TimeoutReporter); ok && tr.TimedOut() {
		r.logger.Debug("heapgate.request.idle_timeout", "remote", r.conn.RemoteAddr(), "port", r.conn.RemotePort())
		r.fail(FailureIdleTimeout)
	}
	r.logger.Trace("heapgate.request.disconnect", "remote", r.conn.RemoteAddr(), "port", r.conn.RemotePort())
	if r.onDone != nil {
		r.onDone(r)
	}
}

func (r *Request) fail(reason string) {
	if r.onFailure != nil {
		r.onFailure(r.conn.RemoteAddr(), reason)
	}
}

func (r *Request) handleAck(n int, _ time.Duration) {
	if resp := r.response.Load(); resp != nil {
		resp.ack(n)
	}
}

// advance moves the parse phase to p unless the request was released.
func (r *Request) advance(p phase) bool {
	for {
		cur := r.phase.Load()
		if phase(cur) == phaseDone {
			return false
		}
		if r.phase.CompareAndSwap(cur, int32(p)) {
			return true
		}
	}
}

// ID returns the request id.
func (r *Request) ID() xid.ID { return r.id }

// Context returns the request's tracing context.
func (r *Request) Context() context.Context {
	r.traceMu.Lock()
	defer r.traceMu.Unlock()
	return r.ctx
}

// Conn returns the underlying connection.
func (r *Request) Conn() transport.Conn { return r.conn }

// Method returns the parsed method bit.
func (r *Request) Method() Method { return r.method }

// MethodName returns the method token as sent.
func (r *Request) MethodName() string { return r.methodName }

// URL returns the request path, after any rewrites.
func (r *Request) URL() string { return r.path }

// SetURL replaces the request path. Rewrites use it.
func (r *Request) SetURL(path string) { r.path = path }

// RawQuery returns the query string as sent.
func (r *Request) RawQuery() string { return r.rawQuery }

// Version returns the protocol version, e.g. "HTTP/1.1".
func (r *Request) Version() string { return r.version }

// Host returns the Host header.
func (r *Request) Host() string { return r.host }

// ContentType returns the Content-Type header.
func (r *Request) ContentType() string { return r.contentType }

// ContentLength returns the declared body size.
func (r *Request) ContentLength() int64 { return r.contentLength }

// RemoteAddr returns the client address.
func (r *Request) RemoteAddr() string { return r.conn.RemoteAddr() }

// LocalAddr returns the address the connection was accepted on.
func (r *Request) LocalAddr() string { return r.conn.LocalAddr() }

// TempObject returns the value stored by SetTempObject.
func (r *Request) TempObject() any { return r.tempObject }

// SetTempObject stores per-request handler state.
func (r *Request) SetTempObject(v any) { r.tempObject = v }

// AddInterestingHeader keeps name after routing prunes headers. InterestAny
// keeps them all.
func (r *Request) AddInterestingHeader(name string) {
	if r.interesting == nil {
		r.interesting = make(map[string]struct{})
	}
	if strings.EqualFold(name, InterestAny) {
		name = InterestAny
	} else {
		name = http.CanonicalHeaderKey(name)
	}
	r.interesting[name] = struct{}{}
}

// InterestedInAny reports whether every header is kept.
func (r *Request) InterestedInAny() bool {
	_, ok := r.interesting[InterestAny]
	return ok
}

// Header returns the first value of a header.
func (r *Request) Header(name string) string { return r.headers.Get(name) }

// HasHeader reports whether a header is present.
func (r *Request) HasHeader(name string) bool {
	_, ok := r.headers[http.CanonicalHeaderKey(name)]
	return ok
}

// Headers returns a copy of the retained headers.
func (r *Request) Headers() http.Header { return r.headers.Clone() }

// SetHandler binds h. Only the first binding counts.
func (r *Request) SetHandler(h Handler) {
	if r.handler != nil {
		return
	}
	r.handler = h
}

// Handler returns the bound handler.
func (r *Request) Handler() Handler { return r.handler }

// AddParam appends a parameter.
func (r *Request) AddParam(p Param) { r.params = append(r.params, p) }

// AddQueryParams merges parameters from a query string such as "a=1&b=2".
func (r *Request) AddQueryParams(query string) {
	params, err := parseQuery(query, false)
	if err != nil {
		r.logger.Debug("heapgate.request.query_invalid", "query", query, "error", err)
	}
	r.params = append(r.params, params...)
}

// Params returns every parameter in arrival order.
func (r *Request) Params() []Param { return append([]Param(nil), r.params...) }

// Param returns the first parameter named name from the selected source.
func (r *Request) Param(name string, post, file bool) (Param, bool) {
	for _, p := range r.params {
		if p.Name == name && p.Post == post && p.File == file {
			return p, true
		}
	}
	return Param{}, false
}

// HasParam reports whether a parameter is present in the selected source.
func (r *Request) HasParam(name string, post, file bool) bool {
	_, ok := r.Param(name, post, file)
	return ok
}

// Arg returns the first query parameter named name.
func (r *Request) Arg(name string) string {
	p, _ := r.Param(name, false, false)
	return p.Value
}

// SetPathArgs stores regex captures from the matching handler.
func (r *Request) SetPathArgs(args []string) { r.pathArgs = args }

// PathArg returns the i-th captured path segment.
func (r *Request) PathArg(i int) string {
	if i < 0 || i >= len(r.pathArgs) {
		return ""
	}
	return r.pathArgs[i]
}

// Response returns the response being written, if any.
func (r *Request) Response() *Response { return r.response.Load() }

// Phase returns a short name for the parse phase.
func (r *Request) Phase() string {
	switch phase(r.phase.Load()) {
	case phaseWaiting:
		return "waiting"
	case phaseHeaders:
		return "headers"
	case phaseBody:
		return "body"
	case phaseHandling:
		return "handling"
	default:
		return "done"
	}
}

// parseQuery decodes query pairs in order. Malformed pairs are skipped and
// the first decoding error is returned.
func parseQuery(query string, post bool) ([]Param, error) {
	var (
		out      []Param
		firstErr error
	)
	for query != "" {
		var pair string
		pair, query, _ = strings.Cut(query, "&")
		if pair == "" {
			continue
		}
		rawName, rawValue, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(rawName)
		if err == nil {
			var value string
			value, err = url.QueryUnescape(rawValue)
			if err == nil {
				out = append(out, Param{Name: name, Value: value, Post: post})
				continue
			}
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}
