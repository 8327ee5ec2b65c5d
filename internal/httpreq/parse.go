package httpreq

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"pkt.systems/heapgate/internal/transport"
)

var (
	errNilConn   = errors.New("httpreq: nil connection")
	errNilRouter = errors.New("httpreq: nil router")
)

const uploadChunk = 1436

var continueReply = []byte("HTTP/1.1 100 Continue\r\n\r\n")

func (r *Request) handleData(p []byte) {
	switch phase(r.phase.Load()) {
	case phaseHeaders:
		r.readHead(p)
	case phaseBody:
		r.readBody(p)
	default:
		// Responses always close, so anything after the request is dropped.
	}
	if phase(r.phase.Load()) == phaseDone {
		r.head, r.body = nil, nil
	}
}

func (r *Request) readHead(p []byte) {
	r.head = append(r.head, p...)
	end, sepLen := headerEnd(r.head)
	if end < 0 {
		if len(r.head) > r.cfg.MaxHeaderBytes {
			r.headerOverflow()
		}
		return
	}
	if end > r.cfg.MaxHeaderBytes {
		r.headerOverflow()
		return
	}
	block := r.head[:end+sepLen]
	rest := append([]byte(nil), r.head[end+sepLen:]...)
	parsed, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(block)))
	r.head = nil
	if err != nil {
		r.logger.Debug("heapgate.request.malformed", "remote", r.conn.RemoteAddr(), "error", err)
		r.reject(http.StatusBadRequest)
		return
	}
	r.adopt(parsed)
	r.router.Route(r)
	if r.handler == nil {
		r.logger.Warn("heapgate.request.unrouted", "path", r.path)
		r.reject(http.StatusInternalServerError)
		return
	}
	r.pruneHeaders()
	r.logger.Debug("heapgate.request.routed",
		"method", r.methodName,
		"path", r.path,
		"remote", r.conn.RemoteAddr(),
		"content_length", r.contentLength,
	)

	switch {
	case len(parsed.TransferEncoding) > 0:
		r.reject(http.StatusLengthRequired)
		return
	case r.contentLength > r.cfg.MaxBodyBytes:
		r.reject(http.StatusRequestEntityTooLarge)
		return
	case r.contentLength > 0:
		if strings.EqualFold(r.expect, "100-continue") {
			r.conn.Send(continueReply, transport.FlagCopy)
		}
		if !r.advance(phaseBody) {
			return
		}
		if len(rest) > 0 {
			r.readBody(rest)
		}
	default:
		r.dispatch()
	}
}

func headerEnd(b []byte) (int, int) {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i, 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return i, 2
	}
	return -1, 0
}

func (r *Request) adopt(parsed *http.Request) {
	r.methodName = parsed.Method
	r.method = ParseMethod(parsed.Method)
	r.path = parsed.URL.Path
	if r.path == "" {
		r.path = "/"
	}
	r.rawQuery = parsed.URL.RawQuery
	r.version = parsed.Proto
	r.host = parsed.Host
	r.contentType = parsed.Header.Get("Content-Type")
	r.contentLength = max(parsed.ContentLength, 0)
	r.expect = parsed.Header.Get("Expect")
	r.headers = parsed.Header
	if r.rawQuery != "" {
		r.AddQueryParams(r.rawQuery)
	}
}

// pruneHeaders keeps only headers a handler asked for.
func (r *Request) pruneHeaders() {
	if r.InterestedInAny() {
		return
	}
	for name := range r.headers {
		if _, ok := r.interesting[name]; !ok {
			delete(r.headers, name)
		}
	}
}

func (r *Request) headerOverflow() {
	r.head = nil
	r.logger.Debug("heapgate.request.header_overflow", "remote", r.conn.RemoteAddr(), "limit", r.cfg.MaxHeaderBytes)
	r.fail(FailureHeaderOverflow)
	r.reject(http.StatusRequestHeaderFieldsTooLarge)
}

func (r *Request) reject(code int) {
	if !r.advance(phaseHandling) {
		return
	}
	r.Send(code, "text/plain", http.StatusText(code))
}

func (r *Request) readBody(p []byte) {
	remaining := r.contentLength - r.received
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	if len(p) > 0 {
		if r.buffersBody() {
			r.body = append(r.body, p...)
		} else if bh, ok := r.handler.(BodyHandler); ok {
			bh.HandleBody(r, p, r.received, r.contentLength)
		}
		r.received += int64(len(p))
	}
	if r.received >= r.contentLength {
		r.finishBody()
		r.dispatch()
	}
}

func (r *Request) mediaType() string {
	mt, _, err := mime.ParseMediaType(r.contentType)
	if err != nil {
		return ""
	}
	return mt
}

func (r *Request) buffersBody() bool {
	switch r.mediaType() {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		return true
	}
	return false
}

func (r *Request) finishBody() {
	switch r.mediaType() {
	case "application/x-www-form-urlencoded":
		params, err := parseQuery(string(r.body), true)
		if err != nil {
			r.logger.Debug("heapgate.request.form_invalid", "error", err)
		}
		r.params = append(r.params, params...)
	case "multipart/form-data":
		r.readMultipart()
	}
	r.body = nil
}

func (r *Request) readMultipart() {
	_, mparams, err := mime.ParseMediaType(r.contentType)
	if err != nil || mparams["boundary"] == "" {
		r.logger.Debug("heapgate.request.multipart_invalid", "content_type", r.contentType, "error", err)
		return
	}
	uploads, _ := r.handler.(UploadHandler)
	mr := multipart.NewReader(bytes.NewReader(r.body), mparams["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			r.logger.Debug("heapgate.request.multipart_invalid", "error", err)
			return
		}
		name, filename := part.FormName(), part.FileName()
		if filename == "" {
			value, err := io.ReadAll(io.LimitReader(part, r.cfg.MaxBodyBytes))
			if err != nil {
				r.logger.Debug("heapgate.request.multipart_invalid", "field", name, "error", err)
				return
			}
			r.params = append(r.params, Param{Name: name, Value: string(value), Post: true})
			continue
		}
		var index int64
		buf := make([]byte, uploadChunk)
		for {
			n, err := part.Read(buf)
			if n > 0 {
				if uploads != nil {
					uploads.HandleUpload(r, filename, index, buf[:n], false)
				}
				index += int64(n)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				r.logger.Debug("heapgate.request.multipart_invalid", "file", filename, "error", err)
				return
			}
		}
		if uploads != nil {
			uploads.HandleUpload(r, filename, index, nil, true)
		}
		r.params = append(r.params, Param{Name: name, Value: filename, Post: true, File: true, Size: index})
	}
}

func (r *Request) dispatch() {
	if !r.advance(phaseHandling) {
		return
	}
	r.handler.Handle(r)
}
