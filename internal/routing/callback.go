package routing

import (
	"net/http"
	"regexp"
	"strings"
	"sync"

	"pkt.systems/heapgate/internal/httpreq"
)

// RequestFunc answers a request.
type RequestFunc func(r *httpreq.Request)

// UploadFunc receives multipart file chunks.
type UploadFunc func(r *httpreq.Request, filename string, index int64, data []byte, final bool)

// BodyFunc receives raw body chunks.
type BodyFunc func(r *httpreq.Request, data []byte, index, total int64)

// CallbackHandler dispatches to user callbacks for a URI pattern and a
// method mask.
//
// URI patterns:
//
//	/exact         the path itself and anything below "/exact/"
//	/prefix*       any path starting with "/prefix"
//	/*.ext         any path ending in ".ext"
//	^/re/(\d+)$    a regular expression; groups become path args
type CallbackHandler struct {
	mu        sync.RWMutex
	uri       string
	re        *regexp.Regexp
	method    httpreq.Method
	filter    FilterFunc
	onRequest RequestFunc
	onUpload  UploadFunc
	onBody    BodyFunc
	fallback  bool
}

// NewCallbackHandler returns a handler for uri and every method.
func NewCallbackHandler(uri string) (*CallbackHandler, error) {
	h := &CallbackHandler{method: httpreq.MethodAny}
	if err := h.SetURI(uri); err != nil {
		return nil, err
	}
	return h, nil
}

// NewFallbackHandler returns the handler bound when nothing else matches.
// Without an OnRequest callback it answers 404.
func NewFallbackHandler() *CallbackHandler {
	return &CallbackHandler{method: httpreq.MethodAny, fallback: true}
}

// SetURI replaces the URI pattern.
func (h *CallbackHandler) SetURI(uri string) error {
	var re *regexp.Regexp
	if strings.HasPrefix(uri, "^") && strings.HasSuffix(uri, "$") {
		compiled, err := regexp.Compile(uri)
		if err != nil {
			return err
		}
		re = compiled
	}
	h.mu.Lock()
	h.uri, h.re = uri, re
	h.mu.Unlock()
	return nil
}

// SetMethod replaces the method mask.
func (h *CallbackHandler) SetMethod(m httpreq.Method) *CallbackHandler {
	h.mu.Lock()
	h.method = m
	h.mu.Unlock()
	return h
}

// SetFilter restricts the handler.
func (h *CallbackHandler) SetFilter(fn FilterFunc) *CallbackHandler {
	h.mu.Lock()
	h.filter = fn
	h.mu.Unlock()
	return h
}

// OnRequest sets the request callback.
func (h *CallbackHandler) OnRequest(fn RequestFunc) *CallbackHandler {
	h.mu.Lock()
	h.onRequest = fn
	h.mu.Unlock()
	return h
}

// OnUpload sets the upload callback.
func (h *CallbackHandler) OnUpload(fn UploadFunc) *CallbackHandler {
	h.mu.Lock()
	h.onUpload = fn
	h.mu.Unlock()
	return h
}

// OnBody sets the body callback.
func (h *CallbackHandler) OnBody(fn BodyFunc) *CallbackHandler {
	h.mu.Lock()
	h.onBody = fn
	h.mu.Unlock()
	return h
}

// Filter implements httpreq.Handler.
func (h *CallbackHandler) Filter(r *httpreq.Request) bool {
	h.mu.RLock()
	fn := h.filter
	h.mu.RUnlock()
	return fn == nil || fn(r)
}

// CanHandle implements httpreq.Handler.
func (h *CallbackHandler) CanHandle(r *httpreq.Request) bool {
	h.mu.RLock()
	uri, re, method, hasRequest := h.uri, h.re, h.method, h.onRequest != nil
	h.mu.RUnlock()

	if !hasRequest || method&r.Method() == 0 {
		return false
	}
	path := r.URL()
	switch {
	case re != nil:
		m := re.FindStringSubmatch(path)
		if m == nil {
			return false
		}
		r.SetPathArgs(m[1:])
	case strings.HasPrefix(uri, "/*."):
		if !strings.HasSuffix(path, uri[2:]) {
			return false
		}
	case strings.HasSuffix(uri, "*"):
		if !strings.HasPrefix(path, strings.TrimSuffix(uri, "*")) {
			return false
		}
	case uri != "":
		if path != uri && !strings.HasPrefix(path, uri+"/") {
			return false
		}
	}
	r.AddInterestingHeader(httpreq.InterestAny)
	return true
}

// Handle implements httpreq.Handler.
func (h *CallbackHandler) Handle(r *httpreq.Request) {
	h.mu.RLock()
	fn, fallback := h.onRequest, h.fallback
	h.mu.RUnlock()
	switch {
	case fn != nil:
		fn(r)
	case fallback:
		r.Send(http.StatusNotFound, "text/plain", http.StatusText(http.StatusNotFound))
	default:
		r.Send(http.StatusInternalServerError, "text/plain", http.StatusText(http.StatusInternalServerError))
	}
}

// HandleUpload implements httpreq.UploadHandler.
func (h *CallbackHandler) HandleUpload(r *httpreq.Request, filename string, index int64, data []byte, final bool) {
	h.mu.RLock()
	fn := h.onUpload
	h.mu.RUnlock()
	if fn != nil {
		fn(r, filename, index, data, final)
	}
}

// HandleBody implements httpreq.BodyHandler.
func (h *CallbackHandler) HandleBody(r *httpreq.Request, data []byte, index, total int64) {
	h.mu.RLock()
	fn := h.onBody
	h.mu.RUnlock()
	if fn != nil {
		fn(r, data, index, total)
	}
}
