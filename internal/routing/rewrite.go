package routing

import (
	"strings"

	"pkt.systems/heapgate/internal/httpreq"
)

// FilterFunc restricts a rewrite or handler to some requests.
type FilterFunc func(r *httpreq.Request) bool

// Rewrite maps one exact path to another before handler selection. Extra
// query parameters may follow the target after '?'.
type Rewrite struct {
	from   string
	to     string
	params string
	filter FilterFunc
}

// NewRewrite returns a rewrite from one path to another.
func NewRewrite(from, to string) *Rewrite {
	target, params, _ := strings.Cut(to, "?")
	return &Rewrite{from: from, to: target, params: params}
}

// SetFilter restricts the rewrite and returns it for chaining.
func (rw *Rewrite) SetFilter(fn FilterFunc) *Rewrite {
	rw.filter = fn
	return rw
}

// From returns the path the rewrite matches.
func (rw *Rewrite) From() string { return rw.from }

// To returns the target path.
func (rw *Rewrite) To() string { return rw.to }

// Params returns the query parameters merged on a match.
func (rw *Rewrite) Params() string { return rw.params }

// Match reports whether the request's current path equals From and the
// filter, if any, accepts it.
func (rw *Rewrite) Match(r *httpreq.Request) bool {
	if rw.from != r.URL() {
		return false
	}
	return rw.filter == nil || rw.filter(r)
}

// Apply rewrites the request's path and merges the extra parameters.
func (rw *Rewrite) Apply(r *httpreq.Request) {
	r.SetURL(rw.to)
	if rw.params != "" {
		r.AddQueryParams(rw.params)
	}
}
