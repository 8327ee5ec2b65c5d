// Package routing rewrites request paths and binds each request to a handler.
package routing

import (
	"slices"
	"sync"

	"pkt.systems/heapgate/internal/httpreq"
	"pkt.systems/heapgate/internal/svcfields"
	"pkt.systems/pslog"
)

// Registry holds the ordered rewrites and handlers plus the fallback.
//
// Rewrites are cumulative: every matching rule applies in registration
// order, and each sees the path left by the rules before it. Handlers are
// first match: the first whose Filter and CanHandle both accept wins.
type Registry struct {
	mu       sync.Locker
	rewrites []*Rewrite
	handlers []httpreq.Handler
	fallback *CallbackHandler
	logger   pslog.Logger
	metrics  *routingMetrics
}

// NewRegistry returns an empty registry guarded by lock. Nil allocates a
// private mutex.
func NewRegistry(lock sync.Locker, logger pslog.Logger) *Registry {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	logger = svcfields.WithSubsystem(logger, svcfields.SysRouting)
	return &Registry{
		mu:       lock,
		fallback: NewFallbackHandler(),
		logger:   logger,
		metrics:  newRoutingMetrics(logger),
	}
}

// AddRewrite appends rw and returns it.
func (g *Registry) AddRewrite(rw *Rewrite) *Rewrite {
	g.mu.Lock()
	g.rewrites = append(g.rewrites, rw)
	g.mu.Unlock()
	return rw
}

// RemoveRewrite removes rw and reports whether it was registered.
func (g *Registry) RemoveRewrite(rw *Rewrite) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := slices.Index(g.rewrites, rw)
	if idx < 0 {
		return false
	}
	g.rewrites = slices.Delete(g.rewrites, idx, idx+1)
	return true
}

// AddHandler appends h and returns it.
func (g *Registry) AddHandler(h httpreq.Handler) httpreq.Handler {
	g.mu.Lock()
	g.handlers = append(g.handlers, h)
	g.mu.Unlock()
	return h
}

// RemoveHandler removes h and reports whether it was registered.
func (g *Registry) RemoveHandler(h httpreq.Handler) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := slices.Index(g.handlers, h)
	if idx < 0 {
		return false
	}
	g.handlers = slices.Delete(g.handlers, idx, idx+1)
	return true
}

// Fallback returns the handler bound when nothing else matches.
func (g *Registry) Fallback() *CallbackHandler {
	return g.fallback
}

// Reset drops every rewrite and handler and clears the fallback callbacks.
func (g *Registry) Reset() {
	g.mu.Lock()
	g.rewrites = nil
	g.handlers = nil
	g.mu.Unlock()
	g.fallback.OnRequest(nil)
	g.fallback.OnUpload(nil)
	g.fallback.OnBody(nil)
}

// Counts returns the number of rewrites and handlers.
func (g *Registry) Counts() (rewrites, handlers int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rewrites), len(g.handlers)
}

// Route applies the rewrite chain and binds a handler. Registrations are
// snapshotted under the lock; predicates run outside it.
func (g *Registry) Route(r *httpreq.Request) {
	g.mu.Lock()
	rewrites := slices.Clone(g.rewrites)
	handlers := slices.Clone(g.handlers)
	g.mu.Unlock()

	for _, rw := range rewrites {
		if !rw.Match(r) {
			continue
		}
		from := r.URL()
		rw.Apply(r)
		g.metrics.recordRewrite()
		g.logger.Trace("heapgate.routing.rewrite", "from", from, "to", r.URL(), "params", rw.Params())
	}

	for _, h := range handlers {
		if h.Filter(r) && h.CanHandle(r) {
			r.SetHandler(h)
			g.metrics.recordBound(false)
			return
		}
	}
	r.AddInterestingHeader(httpreq.InterestAny)
	r.SetHandler(g.fallback)
	g.metrics.recordBound(true)
	g.logger.Trace("heapgate.routing.fallback", "path", r.URL(), "method", r.MethodName())
}
