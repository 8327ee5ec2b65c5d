package httpreq

import "strings"

// Method is a bitmask of HTTP methods.
type Method uint16

const (
	MethodGet Method = 1 << iota
	MethodPost
	MethodDelete
	MethodPut
	MethodPatch
	MethodHead
	MethodOptions

	// MethodAny matches every method above.
	MethodAny Method = MethodGet | MethodPost | MethodDelete | MethodPut | MethodPatch | MethodHead | MethodOptions
)

var methodNames = []struct {
	m    Method
	name string
}{
	{MethodGet, "GET"},
	{MethodPost, "POST"},
	{MethodDelete, "DELETE"},
	{MethodPut, "PUT"},
	{MethodPatch, "PATCH"},
	{MethodHead, "HEAD"},
	{MethodOptions, "OPTIONS"},
}

// ParseMethod maps a request method token to its bit. Unknown methods map to
// zero and match nothing.
func ParseMethod(name string) Method {
	for _, entry := range methodNames {
		if strings.EqualFold(entry.name, name) {
			return entry.m
		}
	}
	return 0
}

// Has reports whether m includes every bit of other.
func (m Method) Has(other Method) bool {
	return other != 0 && m&other == other
}

func (m Method) String() string {
	if m == MethodAny {
		return "ANY"
	}
	var parts []string
	for _, entry := range methodNames {
		if m&entry.m != 0 {
			parts = append(parts, entry.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}
