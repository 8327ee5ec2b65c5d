package heapgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/heapgate/internal/httpreq"
	"pkt.systems/heapgate/internal/routing"
	"pkt.systems/heapgate/internal/scheduler"
	"pkt.systems/pslog"
)

// StatusPath is where the status dump is served.
const StatusPath = "/_heapgate/status"

// PrintStatus writes the queue dump to w. The dump is rendered into a buffer
// while the queue is locked and written once the lock is released.
func (s *Server) PrintStatus(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteString("Web server status: ")
	empty := true
	s.queue.Each(func(r scheduler.Request) {
		empty = false
		writeStatusLine(&buf, r)
	})
	if empty {
		buf.WriteString("Idle\n")
	} else {
		buf.WriteByte('\n')
	}
	if avail, largest, ok := s.observer.LowWater(); ok {
		fmt.Fprintf(&buf, "Heap low water: available %s, largest block %s\n",
			humanize.IBytes(avail), humanize.IBytes(largest))
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func writeStatusLine(buf *bytes.Buffer, r scheduler.Request) {
	req, ok := r.(*httpreq.Request)
	if !ok {
		fmt.Fprintf(buf, "\n- Request %p, state %s", r, r.State())
		return
	}
	conn := req.Conn()
	fmt.Fprintf(buf, "\n- Request %s [%s], state %s",
		req.ID(), net.JoinHostPort(conn.RemoteAddr(), fmt.Sprint(conn.RemotePort())), r.State())
	if resp := req.Response(); resp != nil {
		c := resp.Counters()
		fmt.Fprintf(buf, " -- Response %d, state %s, [%d %d - %d %d %d]",
			resp.Code(), c.State, c.Head, c.Content, c.Sent, c.Acked, c.Written)
	}
}

// statusText renders the dump for the HTTP endpoints.
func (s *Server) statusText() []byte {
	var buf bytes.Buffer
	_ = s.PrintStatus(&buf)
	return buf.Bytes()
}

// mountStatus serves the dump on the main listener to connections accepted
// on a local address inside prefix.
func (s *Server) mountStatus(prefix netip.Prefix) {
	h, _ := routing.NewCallbackHandler(StatusPath)
	h.SetMethod(MethodGet | MethodHead).
		SetFilter(routing.LocalPrefixFilter(prefix)).
		OnRequest(func(r *Request) {
			r.SendBytes(http.StatusOK, "text/plain; charset=utf-8", s.statusText())
		})
	s.routes.AddHandler(h)
}

type statusListener struct {
	srv *http.Server
	ln  net.Listener
}

func startStatusListener(addr string, s *Server, logger pslog.Logger) (*statusListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(StatusPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(s.statusText())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "clients %d queued %d\n", s.NumClients(), s.QueueLength())
	})
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(mux, "heapgate.status"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("heapgate.status.serve_error", "error", err)
		}
	}()
	logger.Info("heapgate.status.enabled", "listen", ln.Addr().String())
	return &statusListener{srv: srv, ln: ln}, nil
}

func (l *statusListener) addr() net.Addr {
	return l.ln.Addr()
}

func (l *statusListener) shutdown(ctx context.Context) error {
	err := l.srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
