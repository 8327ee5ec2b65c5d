package routing

import (
	"net/http"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"pkt.systems/heapgate/internal/heap"
	"pkt.systems/heapgate/internal/httpreq"
	"pkt.systems/heapgate/internal/transport"
)

func serve(t *testing.T, reg *Registry, raw, local string) *transport.MemConn {
	t.Helper()
	conn := transport.NewMemConn("192.0.2.50", 40000, local)
	req, err := httpreq.New(conn, httpreq.Options{Router: reg, Oracle: heap.NewManual(1<<20, 1<<20)})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Attach()
	req.Start()
	conn.Receive([]byte(raw))
	return conn
}

func capture(reg *Registry) *[]string {
	var seen []string
	h, _ := NewCallbackHandler("")
	h.OnRequest(func(r *httpreq.Request) {
		seen = append(seen, r.URL())
		r.Send(http.StatusOK, "text/plain", "ok")
	})
	reg.AddHandler(h)
	return &seen
}

func TestRewritesApplyCumulatively(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.AddRewrite(NewRewrite("/a", "/b"))
	reg.AddRewrite(NewRewrite("/b", "/c"))
	seen := capture(reg)
	serve(t, reg, "GET /a HTTP/1.1\r\n\r\n", "10.0.0.1")
	if len(*seen) != 1 || (*seen)[0] != "/c" {
		t.Fatalf("expected /a to end at /c, got %v", *seen)
	}
}

func TestRewriteOrderMatters(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.AddRewrite(NewRewrite("/b", "/c"))
	reg.AddRewrite(NewRewrite("/a", "/b"))
	seen := capture(reg)
	serve(t, reg, "GET /a HTTP/1.1\r\n\r\n", "10.0.0.1")
	if len(*seen) != 1 || (*seen)[0] != "/b" {
		t.Fatalf("expected /a to end at /b when the later rule runs first, got %v", *seen)
	}
}

func TestRewriteMergesParamsAndFilters(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.AddRewrite(NewRewrite("/old", "/new?mode=compat&v=2"))
	reg.AddRewrite(NewRewrite("/new", "/never").SetFilter(func(*httpreq.Request) bool { return false }))
	var mode, v, url string
	h, _ := NewCallbackHandler("/new")
	h.OnRequest(func(r *httpreq.Request) {
		mode, v, url = r.Arg("mode"), r.Arg("v"), r.URL()
		r.Send(http.StatusOK, "", "")
	})
	reg.AddHandler(h)
	serve(t, reg, "GET /old HTTP/1.1\r\n\r\n", "10.0.0.1")
	if url != "/new" || mode != "compat" || v != "2" {
		t.Fatalf("unexpected rewrite result url=%q mode=%q v=%q", url, mode, v)
	}
}

type stubHandler struct {
	can    bool
	called int
}

func (s *stubHandler) Filter(*httpreq.Request) bool    { return true }
func (s *stubHandler) CanHandle(*httpreq.Request) bool { return s.can }
func (s *stubHandler) Handle(r *httpreq.Request) {
	s.called++
	r.Send(http.StatusOK, "", "")
}

func TestFirstMatchingHandlerWins(t *testing.T) {
	reg := NewRegistry(nil, nil)
	h1 := &stubHandler{can: false}
	h2 := &stubHandler{can: true}
	h3 := &stubHandler{can: true}
	reg.AddHandler(h1)
	reg.AddHandler(h2)
	reg.AddHandler(h3)
	conn := serve(t, reg, "GET /x HTTP/1.1\r\n\r\n", "10.0.0.1")
	if h1.called != 0 || h2.called != 1 || h3.called != 0 {
		t.Fatalf("expected only h2 to run: h1=%d h2=%d h3=%d", h1.called, h2.called, h3.called)
	}
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 200 ") {
		t.Fatalf("expected 200 from h2, got %q", conn.Sent())
	}
}

func TestFallback(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.AddHandler(&stubHandler{can: false})
	conn := serve(t, reg, "GET /missing HTTP/1.1\r\nX-Any: 1\r\n\r\n", "10.0.0.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 404 ") {
		t.Fatalf("expected 404 from the unset fallback, got %q", conn.Sent())
	}

	var kept bool
	reg.Fallback().OnRequest(func(r *httpreq.Request) {
		kept = r.HasHeader("X-Any") && r.InterestedInAny()
		r.Send(http.StatusTeapot, "", "")
	})
	conn = serve(t, reg, "GET /missing HTTP/1.1\r\nX-Any: 1\r\n\r\n", "10.0.0.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 418 ") {
		t.Fatalf("expected custom not-found handler, got %q", conn.Sent())
	}
	if !kept {
		t.Fatalf("fallback must see every header")
	}

	reg.Reset()
	if r, h := reg.Counts(); r != 0 || h != 0 {
		t.Fatalf("reset left %d rewrites %d handlers", r, h)
	}
	conn = serve(t, reg, "GET /missing HTTP/1.1\r\n\r\n", "10.0.0.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 404 ") {
		t.Fatalf("reset should clear the not-found callback, got %q", conn.Sent())
	}
}

func TestRemoveRegistrations(t *testing.T) {
	reg := NewRegistry(nil, nil)
	rw := reg.AddRewrite(NewRewrite("/a", "/b"))
	h := &stubHandler{can: true}
	reg.AddHandler(h)
	if !reg.RemoveRewrite(rw) || reg.RemoveRewrite(rw) {
		t.Fatalf("unexpected rewrite removal results")
	}
	if !reg.RemoveHandler(h) || reg.RemoveHandler(h) {
		t.Fatalf("unexpected handler removal results")
	}
	serve(t, reg, "GET /a HTTP/1.1\r\n\r\n", "10.0.0.1")
	if h.called != 0 {
		t.Fatalf("removed handler ran")
	}
}

func TestCallbackURIPatterns(t *testing.T) {
	cases := []struct {
		uri   string
		path  string
		match bool
	}{
		{"/api", "/api", true},
		{"/api", "/api/v1", true},
		{"/api", "/apix", false},
		{"/files*", "/filesystem", true},
		{"/files*", "/fil", false},
		{"/*.js", "/app/main.js", true},
		{"/*.js", "/app/main.css", false},
		{"^/dev/(\\d+)/(\\w+)$", "/dev/42/temp", true},
		{"^/dev/(\\d+)$", "/dev/x", false},
	}
	for _, tc := range cases {
		reg := NewRegistry(nil, nil)
		h, err := NewCallbackHandler(tc.uri)
		if err != nil {
			t.Fatalf("%s: %v", tc.uri, err)
		}
		matched := false
		var args []string
		h.OnRequest(func(r *httpreq.Request) {
			matched = true
			args = []string{r.PathArg(0), r.PathArg(1)}
			r.Send(http.StatusOK, "", "")
		})
		reg.AddHandler(h)
		serve(t, reg, "GET "+tc.path+" HTTP/1.1\r\n\r\n", "10.0.0.1")
		if matched != tc.match {
			t.Fatalf("uri %q path %q: matched=%v want %v", tc.uri, tc.path, matched, tc.match)
		}
		if tc.match && strings.HasPrefix(tc.uri, "^/dev/(\\d+)/") && (args[0] != "42" || args[1] != "temp") {
			t.Fatalf("unexpected path args %v", args)
		}
	}
	if _, err := NewCallbackHandler("^([$"); err == nil {
		t.Fatalf("expected invalid regex error")
	}
}

func TestCallbackMethodMaskAndMissingRequest(t *testing.T) {
	reg := NewRegistry(nil, nil)
	post, _ := NewCallbackHandler("/form")
	post.SetMethod(httpreq.MethodPost).OnRequest(func(r *httpreq.Request) { r.Send(http.StatusCreated, "", "") })
	silent, _ := NewCallbackHandler("/form")
	reg.AddHandler(silent)
	reg.AddHandler(post)

	conn := serve(t, reg, "GET /form HTTP/1.1\r\n\r\n", "10.0.0.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 404 ") {
		t.Fatalf("GET should fall through to not-found, got %q", conn.Sent())
	}
	conn = serve(t, reg, "POST /form HTTP/1.1\r\nContent-Length: 0\r\n\r\n", "10.0.0.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 201 ") {
		t.Fatalf("POST should reach the post handler, got %q", conn.Sent())
	}
}

func TestCallbackWithoutRequestAnswers500WhenBound(t *testing.T) {
	h, _ := NewCallbackHandler("/x")
	conn := transport.NewMemConn("192.0.2.50", 1, "10.0.0.1")
	req, _ := httpreq.New(conn, httpreq.Options{Router: httpreq.RouterFunc(func(r *httpreq.Request) { r.SetHandler(h) })})
	req.Attach()
	req.Start()
	conn.Receive([]byte("GET /x HTTP/1.1\r\n\r\n"))
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 500 ") {
		t.Fatalf("expected 500, got %q", conn.Sent())
	}
}

func TestLocalPrefixFilter(t *testing.T) {
	mgmt := netip.MustParsePrefix("192.168.4.0/24")
	reg := NewRegistry(nil, nil)
	admin, _ := NewCallbackHandler("/admin")
	admin.SetFilter(LocalPrefixFilter(mgmt)).OnRequest(func(r *httpreq.Request) { r.Send(http.StatusOK, "", "") })
	reg.AddHandler(admin)

	conn := serve(t, reg, "GET /admin HTTP/1.1\r\n\r\n", "192.168.4.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 200 ") {
		t.Fatalf("management interface should reach admin, got %q", conn.Sent())
	}
	conn = serve(t, reg, "GET /admin HTTP/1.1\r\n\r\n", "10.1.1.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 404 ") {
		t.Fatalf("public interface must not reach admin, got %q", conn.Sent())
	}

	blocked, _ := NewCallbackHandler("/public")
	blocked.SetFilter(Not(RemotePrefixFilter(netip.MustParsePrefix("192.0.2.0/24")))).
		OnRequest(func(r *httpreq.Request) { r.Send(http.StatusOK, "", "") })
	reg.AddHandler(blocked)
	conn = serve(t, reg, "GET /public HTTP/1.1\r\n\r\n", "10.1.1.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 404 ") {
		t.Fatalf("inverted remote filter should exclude 192.0.2.50, got %q", conn.Sent())
	}
}

func newStaticFS(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/www/index.htm":    "<h1>home</h1>",
		"/www/app.js":       "console.log(1)",
		"/www/app.js.gz":    "GZDATA",
		"/www/css/site.css": "body{}",
	}
	for name, body := range files {
		if err := afero.WriteFile(fs, name, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return fs
}

func TestStaticHandler(t *testing.T) {
	fs := newStaticFS(t)
	reg := NewRegistry(nil, nil)
	static := NewStaticHandler("/", fs, "/www", "max-age=600")
	reg.AddHandler(static)

	conn := serve(t, reg, "GET / HTTP/1.1\r\n\r\n", "10.0.0.1")
	out := string(conn.Sent())
	if !strings.HasPrefix(out, "HTTP/1.1 200 ") || !strings.HasSuffix(out, "<h1>home</h1>") {
		t.Fatalf("expected index file, got %q", out)
	}
	for _, want := range []string{"Cache-Control: max-age=600\r\n", "Etag: ", "Last-Modified: "} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}

	conn = serve(t, reg, "GET /app.js HTTP/1.1\r\nAccept-Encoding: gzip, deflate\r\n\r\n", "10.0.0.1")
	out = string(conn.Sent())
	if !strings.Contains(out, "Content-Encoding: gzip\r\n") || !strings.HasSuffix(out, "GZDATA") {
		t.Fatalf("expected gzip sibling, got %q", out)
	}
	conn = serve(t, reg, "GET /app.js HTTP/1.1\r\n\r\n", "10.0.0.1")
	if out = string(conn.Sent()); !strings.HasSuffix(out, "console.log(1)") || strings.Contains(out, "Content-Encoding") {
		t.Fatalf("expected plain file without gzip, got %q", out)
	}

	conn = serve(t, reg, "GET /css/../css/site.css HTTP/1.1\r\n\r\n", "10.0.0.1")
	if out = string(conn.Sent()); !strings.Contains(out, "Content-Type: text/css") {
		t.Fatalf("expected css content type, got %q", out)
	}

	conn = serve(t, reg, "GET /nope.txt HTTP/1.1\r\n\r\n", "10.0.0.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 404 ") {
		t.Fatalf("missing file should fall back to 404, got %q", conn.Sent())
	}
	conn = serve(t, reg, "POST / HTTP/1.1\r\nContent-Length: 0\r\n\r\n", "10.0.0.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 404 ") {
		t.Fatalf("static handler must only serve GET/HEAD, got %q", conn.Sent())
	}
}

func TestStaticConditionalRequests(t *testing.T) {
	fs := newStaticFS(t)
	pinned := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(nil, nil)
	reg.AddHandler(NewStaticHandler("/", fs, "/www", "no-cache").SetLastModified(pinned))

	conn := serve(t, reg, "GET /index.htm HTTP/1.1\r\nIf-Modified-Since: "+pinned.Format(http.TimeFormat)+"\r\n\r\n", "10.0.0.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 304 ") {
		t.Fatalf("expected 304 on matching If-Modified-Since, got %q", conn.Sent())
	}

	conn = serve(t, reg, "GET /index.htm HTTP/1.1\r\n\r\n", "10.0.0.1")
	out := string(conn.Sent())
	idx := strings.Index(out, "Etag: ")
	if idx < 0 {
		t.Fatalf("missing etag in %q", out)
	}
	etag := out[idx+len("Etag: "):]
	etag = etag[:strings.Index(etag, "\r\n")]
	conn = serve(t, reg, "GET /index.htm HTTP/1.1\r\nIf-None-Match: "+etag+"\r\n\r\n", "10.0.0.1")
	if !strings.HasPrefix(string(conn.Sent()), "HTTP/1.1 304 ") {
		t.Fatalf("expected 304 on matching If-None-Match, got %q", conn.Sent())
	}
}
