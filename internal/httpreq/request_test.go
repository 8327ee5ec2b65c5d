package httpreq

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"sync"
	"testing"

	"pkt.systems/heapgate/internal/heap"
	"pkt.systems/heapgate/internal/testlog"
	"pkt.systems/heapgate/internal/transport"
)

type funcHandler struct {
	can    func(*Request) bool
	handle func(*Request)
}

func (h *funcHandler) Filter(*Request) bool { return true }
func (h *funcHandler) CanHandle(r *Request) bool {
	if h.can == nil {
		return true
	}
	return h.can(r)
}
func (h *funcHandler) Handle(r *Request) {
	if h.handle != nil {
		h.handle(r)
	}
}

type bodyHandler struct {
	funcHandler
	chunks []string
	index  []int64
	total  int64
}

func (h *bodyHandler) HandleBody(_ *Request, data []byte, index, total int64) {
	h.chunks = append(h.chunks, string(data))
	h.index = append(h.index, index)
	h.total = total
}

type uploadHandler struct {
	funcHandler
	data   bytes.Buffer
	finals int
	name   string
}

func (h *uploadHandler) HandleUpload(_ *Request, filename string, _ int64, data []byte, final bool) {
	h.name = filename
	h.data.Write(data)
	if final {
		h.finals++
	}
}

type fixture struct {
	conn     *transport.MemConn
	req      *Request
	done     int
	failures []string
	logs     *testlog.Logger
}

func newFixture(t *testing.T, h Handler, cfg Config) *fixture {
	t.Helper()
	f := &fixture{conn: transport.NewMemConn("192.0.2.10", 50000, "192.0.2.1"), logs: testlog.New()}
	req, err := New(f.conn, Options{
		Router: RouterFunc(func(r *Request) {
			if h.Filter(r) && h.CanHandle(r) {
				r.SetHandler(h)
			}
		}),
		Oracle:    heap.NewManual(1<<20, 1<<20),
		Config:    cfg,
		Logger:    f.logs,
		OnDone:    func(*Request) { f.done++ },
		OnFailure: func(_, reason string) { f.failures = append(f.failures, reason) },
	})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	f.req = req
	req.Attach()
	req.Start()
	return f
}

func (f *fixture) sent() string { return string(f.conn.Sent()) }

func TestRequestRoundTrip(t *testing.T) {
	var seen *Request
	h := &funcHandler{handle: func(r *Request) {
		seen = r
		r.Send(200, "text/plain", "hello")
	}}
	f := newFixture(t, h, Config{})
	f.conn.Receive([]byte("GET /greet?name=ada&x=%20y HTTP/1.1\r\nHost: dev"))
	if seen != nil {
		t.Fatalf("handler ran before the header block was complete")
	}
	f.conn.Receive([]byte("ice\r\n\r\n"))
	if seen == nil {
		t.Fatalf("handler did not run")
	}
	if seen.Method() != MethodGet || seen.URL() != "/greet" || seen.Host() != "device" {
		t.Fatalf("unexpected parse: method=%s url=%s host=%s", seen.Method(), seen.URL(), seen.Host())
	}
	if seen.Arg("name") != "ada" || seen.Arg("x") != " y" {
		t.Fatalf("unexpected query params %+v", seen.Params())
	}
	out := f.sent()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected status line in %q", out)
	}
	for _, want := range []string{"Connection: close\r\n", "Content-Length: 5\r\n", "Content-Type: text/plain\r\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if !strings.HasSuffix(out, "\r\n\r\nhello") {
		t.Fatalf("unexpected body in %q", out)
	}
	if closed, _ := f.conn.Closed(); closed {
		t.Fatalf("connection closed before acknowledgement")
	}
	if f.conn.IdleTimeout() != 0 {
		t.Fatalf("idle timeout should be cleared once a response starts")
	}
	f.conn.AckAll()
	if closed, immediate := f.conn.Closed(); !closed || immediate {
		t.Fatalf("expected graceful close after acknowledgement")
	}
	if f.done != 1 {
		t.Fatalf("expected one done callback, got %d", f.done)
	}
	if !f.req.Response().Finished() {
		t.Fatalf("response should be finished")
	}
}

func TestResponseResumesOnAck(t *testing.T) {
	body := strings.Repeat("x", 100)
	h := &funcHandler{handle: func(r *Request) { r.Send(200, "text/plain", body) }}
	f := newFixture(t, h, Config{})
	f.conn.SetSendSpace(32)
	f.conn.Receive([]byte("GET / HTTP/1.1\r\n\r\n"))
	if got := len(f.conn.Sent()); got != 32 {
		t.Fatalf("expected first write capped at 32 bytes, got %d", got)
	}
	c := f.req.Response().Counters()
	if c.Written != 32 || c.Acked != 0 || c.Content != 100 {
		t.Fatalf("unexpected counters %+v", c)
	}
	f.conn.AckAll()
	out := f.sent()
	if !strings.HasSuffix(out, body) {
		t.Fatalf("body incomplete: %q", out)
	}
	c = f.req.Response().Counters()
	if c.Acked != c.Written || c.Written != int64(len(out)) || c.State != "end" {
		t.Fatalf("unexpected final counters %+v (len %d)", c, len(out))
	}
	if closed, _ := f.conn.Closed(); !closed {
		t.Fatalf("expected close once everything was acknowledged")
	}
}

func TestStreamResponse(t *testing.T) {
	payload := strings.Repeat("abcdef", 2000)
	h := &funcHandler{handle: func(r *Request) {
		r.SendStream(200, "application/octet-stream", io.NopCloser(strings.NewReader(payload)), int64(len(payload)))
	}}
	f := newFixture(t, h, Config{})
	f.conn.Receive([]byte("GET /blob HTTP/1.1\r\n\r\n"))
	f.conn.AckAll()
	out := f.sent()
	if !strings.Contains(out, fmt.Sprintf("Content-Length: %d\r\n", len(payload))) {
		t.Fatalf("missing content length in head")
	}
	if !strings.HasSuffix(out, payload) {
		t.Fatalf("stream body incomplete")
	}
	if c := f.req.Response().Counters(); c.Sent != int64(len(payload)) {
		t.Fatalf("expected sent=%d got %+v", len(payload), c)
	}
}

func TestHeadOmitsBody(t *testing.T) {
	h := &funcHandler{handle: func(r *Request) { r.Send(200, "text/plain", "body") }}
	f := newFixture(t, h, Config{})
	f.conn.Receive([]byte("HEAD / HTTP/1.1\r\n\r\n"))
	out := f.sent()
	if !strings.Contains(out, "Content-Length: 4\r\n") || !strings.HasSuffix(out, "\r\n\r\n") {
		t.Fatalf("unexpected HEAD reply %q", out)
	}
}

func TestRedirect(t *testing.T) {
	h := &funcHandler{handle: func(r *Request) { r.Redirect("/elsewhere") }}
	f := newFixture(t, h, Config{})
	f.conn.Receive([]byte("GET / HTTP/1.1\r\n\r\n"))
	out := f.sent()
	if !strings.HasPrefix(out, "HTTP/1.1 302 Found\r\n") || !strings.Contains(out, "Location: /elsewhere\r\n") {
		t.Fatalf("unexpected redirect %q", out)
	}
}

func TestDuplicateResponseIgnored(t *testing.T) {
	h := &funcHandler{handle: func(r *Request) {
		r.Send(200, "text/plain", "one")
		r.Send(500, "text/plain", "two")
	}}
	f := newFixture(t, h, Config{})
	f.conn.Receive([]byte("GET / HTTP/1.1\r\n\r\n"))
	if strings.Contains(f.sent(), "two") {
		t.Fatalf("second response leaked: %q", f.sent())
	}
	if f.req.Response().Code() != 200 {
		t.Fatalf("expected first response to win")
	}
}

func TestHeaderOverflow(t *testing.T) {
	h := &funcHandler{}
	f := newFixture(t, h, Config{MaxHeaderBytes: 64})
	f.conn.Receive([]byte("GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 80)))
	if !strings.HasPrefix(f.sent(), "HTTP/1.1 431 ") {
		t.Fatalf("expected 431, got %q", f.sent())
	}
	if len(f.failures) != 1 || f.failures[0] != FailureHeaderOverflow {
		t.Fatalf("expected header overflow failure, got %v", f.failures)
	}
	f.conn.Receive([]byte("\r\n\r\n"))
	if strings.Count(f.sent(), "HTTP/1.1") != 1 {
		t.Fatalf("data after overflow must be ignored")
	}
}

func TestMalformedRequest(t *testing.T) {
	f := newFixture(t, &funcHandler{}, Config{})
	f.conn.Receive([]byte("NONSENSE\r\n\r\n"))
	if !strings.HasPrefix(f.sent(), "HTTP/1.1 400 ") {
		t.Fatalf("expected 400, got %q", f.sent())
	}
}

func TestBodyTooLarge(t *testing.T) {
	f := newFixture(t, &funcHandler{}, Config{MaxBodyBytes: 10})
	f.conn.Receive([]byte("POST / HTTP/1.1\r\nContent-Length: 11\r\n\r\n"))
	if !strings.HasPrefix(f.sent(), "HTTP/1.1 413 ") {
		t.Fatalf("expected 413, got %q", f.sent())
	}
}

func TestChunkedRequestRejected(t *testing.T) {
	f := newFixture(t, &funcHandler{}, Config{})
	f.conn.Receive([]byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"))
	if !strings.HasPrefix(f.sent(), "HTTP/1.1 411 ") {
		t.Fatalf("expected 411, got %q", f.sent())
	}
}

func TestFormBody(t *testing.T) {
	var got *Request
	h := &funcHandler{handle: func(r *Request) { got = r }}
	f := newFixture(t, h, Config{})
	f.conn.Receive([]byte("POST /f?q=1 HTTP/1.1\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 13\r\n\r\nssid=ho"))
	if got != nil {
		t.Fatalf("handler ran before the body was complete")
	}
	f.conn.Receive([]byte("me&k=v"))
	if got == nil {
		t.Fatalf("handler did not run")
	}
	if p, ok := got.Param("ssid", true, false); !ok || p.Value != "home" {
		t.Fatalf("missing post param, params=%+v", got.Params())
	}
	if !got.HasParam("k", true, false) || !got.HasParam("q", false, false) {
		t.Fatalf("expected both post and query params, got %+v", got.Params())
	}
	if got.HasParam("q", true, false) {
		t.Fatalf("query param must not be reported as post")
	}
}

func TestBodyStreamedToHandler(t *testing.T) {
	h := &bodyHandler{}
	f := newFixture(t, h, Config{})
	f.conn.Receive([]byte("PUT /raw HTTP/1.1\r\nContent-Type: application/json\r\nContent-Length: 10\r\nExpect: 100-continue\r\n\r\n"))
	if !strings.HasPrefix(f.sent(), "HTTP/1.1 100 Continue\r\n\r\n") {
		t.Fatalf("expected 100 Continue, got %q", f.sent())
	}
	f.conn.Receive([]byte("{\"a\":"))
	f.conn.Receive([]byte("1}   extra"))
	if strings.Join(h.chunks, "") != "{\"a\":1}   " {
		t.Fatalf("unexpected body chunks %q", h.chunks)
	}
	if len(h.index) != 2 || h.index[0] != 0 || h.index[1] != 5 || h.total != 10 {
		t.Fatalf("unexpected indices %v total %d", h.index, h.total)
	}
}

func TestMultipartUpload(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "firmware")
	fw, _ := mw.CreateFormFile("file", "fw.bin")
	payload := strings.Repeat("Z", 3000)
	_, _ = fw.Write([]byte(payload))
	_ = mw.Close()

	h := &uploadHandler{}
	var got *Request
	h.handle = func(r *Request) { got = r }
	f := newFixture(t, h, Config{})
	head := fmt.Sprintf("POST /update HTTP/1.1\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", mw.FormDataContentType(), buf.Len())
	f.conn.Receive(append([]byte(head), buf.Bytes()...))
	if got == nil {
		t.Fatalf("handler did not run")
	}
	if h.data.String() != payload || h.finals != 1 || h.name != "fw.bin" {
		t.Fatalf("unexpected upload: name=%s len=%d finals=%d", h.name, h.data.Len(), h.finals)
	}
	if p, ok := got.Param("note", true, false); !ok || p.Value != "firmware" {
		t.Fatalf("missing form field, params=%+v", got.Params())
	}
	if p, ok := got.Param("file", true, true); !ok || p.Size != int64(len(payload)) {
		t.Fatalf("missing file param, params=%+v", got.Params())
	}
}

func TestInterestingHeaders(t *testing.T) {
	var got *Request
	h := &funcHandler{
		can:    func(r *Request) bool { r.AddInterestingHeader("x-keep"); return true },
		handle: func(r *Request) { got = r },
	}
	f := newFixture(t, h, Config{})
	f.conn.Receive([]byte("GET / HTTP/1.1\r\nHost: d\r\nX-Keep: 1\r\nX-Drop: 2\r\n\r\n"))
	if got == nil {
		t.Fatalf("handler did not run")
	}
	if !got.HasHeader("X-Keep") || got.HasHeader("X-Drop") {
		t.Fatalf("unexpected headers after pruning: %v", got.Headers())
	}
	if got.Host() != "d" {
		t.Fatalf("host must survive pruning")
	}

	h2 := &funcHandler{
		can:    func(r *Request) bool { r.AddInterestingHeader(InterestAny); return true },
		handle: func(r *Request) { got = r },
	}
	f = newFixture(t, h2, Config{})
	f.conn.Receive([]byte("GET / HTTP/1.1\r\nX-Keep: 1\r\nX-Drop: 2\r\n\r\n"))
	if !got.HasHeader("X-Drop") || !got.InterestedInAny() {
		t.Fatalf("ANY interest should keep every header")
	}
}

func TestUnroutedRequestAnswers500(t *testing.T) {
	h := &funcHandler{can: func(*Request) bool { return false }}
	f := newFixture(t, h, Config{})
	f.conn.Receive([]byte("GET / HTTP/1.1\r\n\r\n"))
	if !strings.HasPrefix(f.sent(), "HTTP/1.1 500 ") {
		t.Fatalf("expected 500 without a bound handler, got %q", f.sent())
	}
}

func TestDataIgnoredBeforeStart(t *testing.T) {
	conn := transport.NewMemConn("192.0.2.10", 1, "192.0.2.1")
	ran := false
	req, err := New(conn, Options{Router: RouterFunc(func(r *Request) {
		r.SetHandler(&funcHandler{handle: func(*Request) { ran = true }})
	})})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	req.Attach()
	conn.Receive([]byte("GET / HTTP/1.1\r\n\r\n"))
	if ran || req.Phase() != "waiting" {
		t.Fatalf("queued request must not parse")
	}
	req.Start()
	conn.Receive([]byte("GET / HTTP/1.1\r\n\r\n"))
	if !ran {
		t.Fatalf("started request should parse")
	}
}

func TestReadyTracksLargestBlock(t *testing.T) {
	oracle := heap.NewManual(1<<20, 1024)
	conn := transport.NewMemConn("192.0.2.10", 1, "192.0.2.1")
	req, err := New(conn, Options{Router: RouterFunc(func(*Request) {}), Oracle: oracle, Config: Config{StartBlock: 2048}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if req.Ready() {
		t.Fatalf("expected not ready with a 1KiB largest block")
	}
	oracle.SetLargest(2048)
	if !req.Ready() {
		t.Fatalf("expected ready once the block fits")
	}
}

func TestDisconnectReportsIdleTimeoutOnce(t *testing.T) {
	f := newFixture(t, &funcHandler{}, Config{})
	f.conn.Disconnect()
	f.conn.Disconnect()
	if f.done != 1 {
		t.Fatalf("expected one done callback, got %d", f.done)
	}
	if len(f.failures) != 0 {
		t.Fatalf("memory connections never time out")
	}
}

func TestReleaseDuringPartialHeader(t *testing.T) {
	ran := false
	f := newFixture(t, &funcHandler{handle: func(*Request) { ran = true }}, Config{})
	f.conn.Receive([]byte("GET / HTTP/1.1\r\n"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			f.conn.Receive([]byte(fmt.Sprintf("X-Pad-%d: abcdefgh\r\n", i)))
		}
	}()
	f.req.Release()
	wg.Wait()

	f.conn.Receive([]byte("\r\n"))
	if ran {
		t.Fatalf("released request must not dispatch")
	}
	if f.req.Phase() != "done" {
		t.Fatalf("expected phase done, got %s", f.req.Phase())
	}
	if f.req.head != nil || f.req.body != nil {
		t.Fatalf("expected buffers dropped after release")
	}
	if f.sent() != "" {
		t.Fatalf("released request must not answer, got %q", f.sent())
	}
}

func TestReleaseDuringBody(t *testing.T) {
	ran := false
	f := newFixture(t, &funcHandler{handle: func(*Request) { ran = true }}, Config{})
	f.conn.Receive([]byte("POST /form HTTP/1.1\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 7\r\n\r\na=1"))
	if f.req.Phase() != "body" {
		t.Fatalf("expected body phase, got %s", f.req.Phase())
	}
	f.req.Release()
	f.conn.Receive([]byte("&b=2"))
	if ran {
		t.Fatalf("released request must not dispatch")
	}
	if f.req.Phase() != "done" || f.req.body != nil {
		t.Fatalf("expected done with no body buffer, got %s", f.req.Phase())
	}
}

func TestNewRequiresConnAndRouter(t *testing.T) {
	if _, err := New(nil, Options{Router: RouterFunc(func(*Request) {})}); err == nil {
		t.Fatalf("expected error for nil conn")
	}
	if _, err := New(transport.NewMemConn("a", 1, "b"), Options{}); err == nil {
		t.Fatalf("expected error for nil router")
	}
}

func TestMethodParsing(t *testing.T) {
	if ParseMethod("get") != MethodGet || ParseMethod("BREW") != 0 {
		t.Fatalf("unexpected method parsing")
	}
	if !MethodAny.Has(MethodPatch) || (MethodGet | MethodPost).Has(MethodPut) {
		t.Fatalf("unexpected mask checks")
	}
	if (MethodGet | MethodPost).String() != "GET|POST" || MethodAny.String() != "ANY" {
		t.Fatalf("unexpected method strings")
	}
}
