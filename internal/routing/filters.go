package routing

import (
	"net/netip"

	"pkt.systems/heapgate/internal/httpreq"
)

// LocalPrefixFilter accepts requests that arrived on a local address inside
// prefix. Use it to split handlers between interfaces, for example a
// management network and a public one.
func LocalPrefixFilter(prefix netip.Prefix) FilterFunc {
	return func(r *httpreq.Request) bool {
		return prefixContains(prefix, r.LocalAddr())
	}
}

// RemotePrefixFilter accepts requests from clients inside prefix.
func RemotePrefixFilter(prefix netip.Prefix) FilterFunc {
	return func(r *httpreq.Request) bool {
		return prefixContains(prefix, r.RemoteAddr())
	}
}

// Not inverts a filter.
func Not(fn FilterFunc) FilterFunc {
	return func(r *httpreq.Request) bool {
		return !fn(r)
	}
}

func prefixContains(prefix netip.Prefix, addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return prefix.Contains(ip.Unmap())
}
