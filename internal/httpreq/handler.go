package httpreq

// Handler produces responses for the requests it claims.
type Handler interface {
	// Filter is a cheap predicate evaluated before CanHandle.
	Filter(r *Request) bool
	// CanHandle reports whether the handler serves r. It may declare the
	// headers it needs with r.AddInterestingHeader.
	CanHandle(r *Request) bool
	// Handle runs once the request body has been received.
	Handle(r *Request)
}

// BodyHandler receives raw request bodies that are not forms.
type BodyHandler interface {
	HandleBody(r *Request, data []byte, index, total int64)
}

// UploadHandler receives multipart file parts chunk by chunk.
type UploadHandler interface {
	HandleUpload(r *Request, filename string, index int64, data []byte, final bool)
}

// Router applies rewrites to a parsed request and binds its handler.
type Router interface {
	Route(r *Request)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(r *Request)

// Route implements Router.
func (f RouterFunc) Route(r *Request) { f(r) }

// Param is a query, form or upload parameter.
type Param struct {
	Name  string
	Value string
	// Post marks parameters decoded from the request body.
	Post bool
	// File marks multipart file parts; Value holds the file name and Size
	// the number of bytes delivered.
	File bool
	Size int64
}
