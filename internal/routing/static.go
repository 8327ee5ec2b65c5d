package routing

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"pkt.systems/heapgate/internal/httpreq"
)

// DefaultIndexFile is served for directory paths.
const DefaultIndexFile = "index.htm"

// StaticHandler serves files below a URI prefix from an afero filesystem.
// A ".gz" sibling is preferred when the client accepts gzip.
type StaticHandler struct {
	mu           sync.RWMutex
	uri          string
	root         string
	fs           afero.Fs
	defaultFile  string
	cacheControl string
	lastModified string
	filter       FilterFunc
}

type staticFile struct {
	name     string
	served   string
	gzip     bool
	size     int64
	modified time.Time
}

// NewStaticHandler serves files under root in fs for paths below uri.
func NewStaticHandler(uri string, fs afero.Fs, root, cacheControl string) *StaticHandler {
	if uri == "" {
		uri = "/"
	}
	return &StaticHandler{
		uri:          uri,
		root:         root,
		fs:           fs,
		defaultFile:  DefaultIndexFile,
		cacheControl: cacheControl,
	}
}

// SetDefaultFile replaces the file served for directory paths.
func (h *StaticHandler) SetDefaultFile(name string) *StaticHandler {
	h.mu.Lock()
	h.defaultFile = name
	h.mu.Unlock()
	return h
}

// SetCacheControl sets the Cache-Control value and enables ETag checks.
func (h *StaticHandler) SetCacheControl(value string) *StaticHandler {
	h.mu.Lock()
	h.cacheControl = value
	h.mu.Unlock()
	return h
}

// SetLastModified pins the Last-Modified value. Without it each file's
// modification time is used.
func (h *StaticHandler) SetLastModified(t time.Time) *StaticHandler {
	h.mu.Lock()
	h.lastModified = t.UTC().Format(http.TimeFormat)
	h.mu.Unlock()
	return h
}

// SetFilter restricts the handler.
func (h *StaticHandler) SetFilter(fn FilterFunc) *StaticHandler {
	h.mu.Lock()
	h.filter = fn
	h.mu.Unlock()
	return h
}

// Filter implements httpreq.Handler.
func (h *StaticHandler) Filter(r *httpreq.Request) bool {
	h.mu.RLock()
	fn := h.filter
	h.mu.RUnlock()
	return fn == nil || fn(r)
}

// CanHandle implements httpreq.Handler. It claims GET and HEAD requests for
// files that exist.
func (h *StaticHandler) CanHandle(r *httpreq.Request) bool {
	if r.Method() != httpreq.MethodGet && r.Method() != httpreq.MethodHead {
		return false
	}
	if !strings.HasPrefix(r.URL(), h.uri) {
		return false
	}
	file, ok := h.resolve(r)
	if !ok {
		return false
	}
	r.SetTempObject(file)
	r.AddInterestingHeader("If-Modified-Since")
	r.AddInterestingHeader("If-None-Match")
	return true
}

func (h *StaticHandler) resolve(r *httpreq.Request) (staticFile, bool) {
	h.mu.RLock()
	defaultFile := h.defaultFile
	h.mu.RUnlock()

	rel := strings.TrimPrefix(r.URL(), strings.TrimSuffix(h.uri, "/"))
	if rel == "" || strings.HasSuffix(rel, "/") {
		rel += defaultFile
	}
	name := path.Join(h.root, path.Clean("/"+rel))
	acceptsGzip := strings.Contains(r.Header("Accept-Encoding"), "gzip")

	candidates := []string{name}
	if acceptsGzip {
		candidates = []string{name + ".gz", name}
	}
	for _, candidate := range candidates {
		info, err := h.fs.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return staticFile{
			name:     name,
			served:   candidate,
			gzip:     candidate != name,
			size:     info.Size(),
			modified: info.ModTime(),
		}, true
	}
	return staticFile{}, false
}

// Handle implements httpreq.Handler.
func (h *StaticHandler) Handle(r *httpreq.Request) {
	file, ok := r.TempObject().(staticFile)
	if !ok {
		r.Send(http.StatusInternalServerError, "text/plain", http.StatusText(http.StatusInternalServerError))
		return
	}
	h.mu.RLock()
	cacheControl, lastModified := h.cacheControl, h.lastModified
	h.mu.RUnlock()
	if lastModified == "" && !file.modified.IsZero() {
		lastModified = file.modified.UTC().Format(http.TimeFormat)
	}
	etag := fmt.Sprintf("\"%x-%x\"", file.size, file.modified.Unix())

	if since := r.Header("If-Modified-Since"); lastModified != "" && since == lastModified {
		r.Send(http.StatusNotModified, "", "")
		return
	}
	if cacheControl != "" && r.Header("If-None-Match") == etag {
		r.Send(http.StatusNotModified, "", "")
		return
	}

	f, err := h.fs.OpenFile(file.served, os.O_RDONLY, 0)
	if err != nil {
		r.Send(http.StatusNotFound, "text/plain", http.StatusText(http.StatusNotFound))
		return
	}
	contentType := mime.TypeByExtension(path.Ext(file.name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp := httpreq.NewStreamResponse(http.StatusOK, contentType, f, file.size)
	if file.gzip {
		resp.AddHeader("Content-Encoding", "gzip")
	}
	if lastModified != "" {
		resp.AddHeader("Last-Modified", lastModified)
	}
	if cacheControl != "" {
		resp.AddHeader("Cache-Control", cacheControl)
		resp.AddHeader("ETag", etag)
	}
	r.SendResponse(resp)
}
