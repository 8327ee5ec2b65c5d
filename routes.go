package heapgate

import (
	"pkt.systems/heapgate/internal/admission"
	"pkt.systems/heapgate/internal/httpreq"
	"pkt.systems/heapgate/internal/routing"
	"pkt.systems/heapgate/internal/scheduler"
)

type (
	// Request is one HTTP request on one connection.
	Request = httpreq.Request
	// Response is an asynchronous response writer.
	Response = httpreq.Response
	// Handler answers requests it claims.
	Handler = httpreq.Handler
	// Method is a bitmask of HTTP methods.
	Method = httpreq.Method
	// QueueLimits bounds the request queue. Zero fields are unbounded.
	QueueLimits = scheduler.Limits
	// Rewrite maps one path to another before handler selection.
	Rewrite = routing.Rewrite
	// CallbackHandler dispatches to callbacks for a URI pattern.
	CallbackHandler = routing.CallbackHandler
	// StaticHandler serves files below a URI prefix.
	StaticHandler = routing.StaticHandler
	// FilterFunc restricts a rewrite or handler to some requests.
	FilterFunc = routing.FilterFunc
	// RequestFunc answers a request.
	RequestFunc = routing.RequestFunc
	// UploadFunc receives multipart file chunks.
	UploadFunc = routing.UploadFunc
	// BodyFunc receives raw body chunks.
	BodyFunc = routing.BodyFunc
	// Outcome is the result of one admission decision.
	Outcome = admission.Outcome
)

// Method bits.
const (
	MethodGet     = httpreq.MethodGet
	MethodPost    = httpreq.MethodPost
	MethodDelete  = httpreq.MethodDelete
	MethodPut     = httpreq.MethodPut
	MethodPatch   = httpreq.MethodPatch
	MethodHead    = httpreq.MethodHead
	MethodOptions = httpreq.MethodOptions
	MethodAny     = httpreq.MethodAny
)

// Admission outcomes.
const (
	Admitted    = admission.Admitted
	Rejected    = admission.Rejected
	Dropped     = admission.Dropped
	AllocFailed = admission.AllocFailed
)

// AddRewrite appends rw to the rewrite chain.
func (s *Server) AddRewrite(rw *Rewrite) *Rewrite {
	return s.routes.AddRewrite(rw)
}

// RemoveRewrite removes rw and reports whether it was registered.
func (s *Server) RemoveRewrite(rw *Rewrite) bool {
	return s.routes.RemoveRewrite(rw)
}

// Rewrite registers a rewrite from one path to another. The target may carry
// extra query parameters after '?'.
func (s *Server) Rewrite(from, to string) *Rewrite {
	return s.routes.AddRewrite(routing.NewRewrite(from, to))
}

// AddHandler appends h to the handler list.
func (s *Server) AddHandler(h Handler) Handler {
	return s.routes.AddHandler(h)
}

// RemoveHandler removes h and reports whether it was registered.
func (s *Server) RemoveHandler(h Handler) bool {
	return s.routes.RemoveHandler(h)
}

// On registers fn for uri and the methods in method.
func (s *Server) On(uri string, method Method, fn RequestFunc) (*CallbackHandler, error) {
	h, err := routing.NewCallbackHandler(uri)
	if err != nil {
		return nil, err
	}
	h.SetMethod(method).OnRequest(fn)
	s.routes.AddHandler(h)
	return h, nil
}

// Handle registers fn for uri and every method.
func (s *Server) Handle(uri string, fn RequestFunc) (*CallbackHandler, error) {
	return s.On(uri, MethodAny, fn)
}

// ServeStatic serves files under dir in the server filesystem for paths
// below uri. A non-empty cacheControl is sent with every file and enables
// ETag checks.
func (s *Server) ServeStatic(uri, dir, cacheControl string) *StaticHandler {
	h := routing.NewStaticHandler(uri, s.fs, dir, cacheControl)
	s.routes.AddHandler(h)
	return h
}

// OnNotFound sets the callback for requests no handler claims. Unset, they
// get a 404.
func (s *Server) OnNotFound(fn RequestFunc) {
	s.routes.Fallback().OnRequest(fn)
}

// OnFileUpload sets the upload callback for requests no handler claims.
func (s *Server) OnFileUpload(fn UploadFunc) {
	s.routes.Fallback().OnUpload(fn)
}

// OnRequestBody sets the body callback for requests no handler claims.
func (s *Server) OnRequestBody(fn BodyFunc) {
	s.routes.Fallback().OnBody(fn)
}

// Reset removes every rewrite and handler and clears the not-found
// callbacks.
func (s *Server) Reset() {
	s.routes.Reset()
}
