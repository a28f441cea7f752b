// SPDX-License-Identifier: MPL-2.0

package ports

import (
	"net"
	"strings"
)

const (
	ipv4Prefix = "ipv4_"
	ipv6Prefix = "ipv6_"
)

// Bound is a binding together with the address its listener actually holds.
type Bound struct {
	Binding
	Addr net.Addr
}

// Port returns the bound tcp port, or 0 for unix sockets.
func (b Bound) Port() int {
	if tcp, ok := b.Addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Family returns "ipv4" or "ipv6" for tcp listeners and "" otherwise.
// Unspecified addresses bound dual-stack report ipv6.
func (b Bound) Family() string {
	tcp, ok := b.Addr.(*net.TCPAddr)
	if !ok {
		return ""
	}
	if tcp.IP.To4() != nil {
		return "ipv4"
	}
	return "ipv6"
}

// Document maps port keys to bound port numbers, the readiness document a
// companion prints on stdout. Each tcp service gets "<service>_port" (first
// binding wins) plus a family-prefixed key such as "ipv6_grpc_port".
func Document(bound []Bound) map[string]int {
	doc := make(map[string]int)
	for _, b := range bound {
		port := b.Port()
		if port == 0 {
			continue
		}
		key := string(b.Service) + "_port"
		if _, ok := doc[key]; !ok {
			doc[key] = port
		}
		family := b.Family() + "_" + key
		if _, ok := doc[family]; !ok {
			doc[family] = port
		}
	}
	return doc
}

// Reply narrows a Document to one address family and strips the family
// prefix. The preferred family is used when present, otherwise the other.
func Reply(doc map[string]int, preferIPv6 bool) map[string]int {
	prefer, fallback := ipv4Prefix, ipv6Prefix
	if preferIPv6 {
		prefer, fallback = ipv6Prefix, ipv4Prefix
	}
	out := make(map[string]int)
	for _, prefix := range []string{fallback, prefer} {
		for key, port := range doc {
			if name, ok := strings.CutPrefix(key, prefix); ok {
				out[name] = port
			}
		}
	}
	return out
}
