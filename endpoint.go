package nprpc

import (
	"fmt"
	"strconv"
	"strings"
)

// TransportKind enumerates the recognized URL schemes of spec.md §3/§4.2.
type TransportKind int

const (
	TransportUnknown TransportKind = iota
	TransportTCP
	TransportWS
	TransportWSS
	TransportHTTP
	TransportHTTPS
	TransportUDP
	TransportQUIC
	TransportMem
)

func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportWS:
		return "ws"
	case TransportWSS:
		return "wss"
	case TransportHTTP:
		return "http"
	case TransportHTTPS:
		return "https"
	case TransportUDP:
		return "udp"
	case TransportQUIC:
		return "quic"
	case TransportMem:
		return "mem"
	default:
		return "unknown"
	}
}

func parseScheme(s string) TransportKind {
	switch s {
	case "tcp":
		return TransportTCP
	case "ws":
		return TransportWS
	case "wss":
		return TransportWSS
	case "http":
		return TransportHTTP
	case "https":
		return TransportHTTPS
	case "udp":
		return TransportUDP
	case "quic":
		return TransportQUIC
	case "mem":
		return TransportMem
	default:
		return TransportUnknown
	}
}

// Endpoint is a parsed `scheme://host[:port][/path]` URL, per spec.md §3.
// mem:// has no port; its Host is the process-unique channel id.
type Endpoint struct {
	Kind TransportKind
	Host string
	Port uint16
	Path string
}

// ParseEndpoint parses a single endpoint URL. It does not validate that
// the local runtime can actually dial this scheme — that's the job of
// transport selection (SelectEndpoint).
func ParseEndpoint(url string) (Endpoint, error) {
	idx := strings.Index(url, "://")
	if idx < 0 {
		return Endpoint{}, NewRpcError(KindBadInput, fmt.Sprintf("endpoint %q: missing scheme", url))
	}
	scheme := url[:idx]
	rest := url[idx+3:]
	kind := parseScheme(scheme)
	if kind == TransportUnknown {
		return Endpoint{}, NewRpcError(KindBadInput, fmt.Sprintf("endpoint %q: unrecognized scheme %q", url, scheme))
	}

	var hostport, path string
	if slash := strings.Index(rest, "/"); slash >= 0 {
		hostport, path = rest[:slash], rest[slash:]
	} else {
		hostport = rest
	}
	if hostport == "" {
		return Endpoint{}, NewRpcError(KindBadInput, fmt.Sprintf("endpoint %q: empty host", url))
	}

	ep := Endpoint{Kind: kind, Path: path}
	if kind == TransportMem {
		ep.Host = hostport // channel id, never has a port
		return ep, nil
	}
	if colon := strings.LastIndex(hostport, ":"); colon >= 0 {
		ep.Host = hostport[:colon]
		p, err := strconv.ParseUint(hostport[colon+1:], 10, 16)
		if err != nil {
			return Endpoint{}, NewRpcError(KindBadInput, fmt.Sprintf("endpoint %q: bad port", url))
		}
		ep.Port = uint16(p)
	} else {
		ep.Host = hostport
	}
	return ep, nil
}

// ParseURLs splits a semicolon-separated `urls` field (spec.md §3) into
// individual endpoints, skipping any that fail to parse.
func ParseURLs(urls string) []Endpoint {
	if urls == "" {
		return nil
	}
	parts := strings.Split(urls, ";")
	out := make([]Endpoint, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if ep, err := ParseEndpoint(p); err == nil {
			out = append(out, ep)
		}
	}
	return out
}

func (e Endpoint) String() string {
	if e.Kind == TransportMem {
		return fmt.Sprintf("mem://%s%s", e.Host, e.Path)
	}
	if e.Port == 0 {
		return fmt.Sprintf("%s://%s%s", e.Kind, e.Host, e.Path)
	}
	return fmt.Sprintf("%s://%s:%d%s", e.Kind, e.Host, e.Port, e.Path)
}

// Equal implements spec.md §4.2: two endpoints are equal iff their
// (type, host, port, path) tuple matches.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Kind == o.Kind && e.Host == o.Host && e.Port == o.Port && e.Path == o.Path
}

// transportPreference orders schemes for SelectEndpoint, spec.md §4.2:
// "shared-memory (same-origin) > TCP > WebSocket > HTTP > UDP > QUIC".
var transportPreference = map[TransportKind]int{
	TransportMem:   0,
	TransportTCP:   1,
	TransportWS:    2,
	TransportWSS:   2,
	TransportHTTP:  3,
	TransportHTTPS: 3,
	TransportUDP:   4,
	TransportQUIC:  5,
}

// SelectEndpoint picks the first endpoint the local runtime can dial,
// given its set of enabled transports, honoring the preference order.
// sameOrigin restricts mem:// selection to references minted by this
// same process (shared memory is only reachable locally).
func SelectEndpoint(candidates []Endpoint, enabled map[TransportKind]bool, sameOrigin bool) (Endpoint, bool) {
	best := -1
	var bestEp Endpoint
	for _, ep := range candidates {
		if !enabled[ep.Kind] {
			continue
		}
		if ep.Kind == TransportMem && !sameOrigin {
			continue
		}
		rank, known := transportPreference[ep.Kind]
		if !known {
			continue
		}
		if best < 0 || rank < best {
			best, bestEp = rank, ep
		}
	}
	return bestEp, best >= 0
}
