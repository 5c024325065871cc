package httpx

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// hopByHop is the fixed set of headers that apply to a single transport hop.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HeaderPolicy decides which headers are stripped when a message crosses
// the proxy. It is built once and never modified, so it is safe to share.
type HeaderPolicy struct {
	hop map[string]struct{}
}

// NewHeaderPolicy returns a policy stripping the hop-by-hop headers plus extra.
func NewHeaderPolicy(extra ...string) HeaderPolicy {
	p := HeaderPolicy{hop: make(map[string]struct{}, len(hopByHop)+len(extra))}
	for _, name := range hopByHop {
		p.hop[textproto.CanonicalMIMEHeaderKey(name)] = struct{}{}
	}
	for _, name := range extra {
		p.hop[textproto.CanonicalMIMEHeaderKey(name)] = struct{}{}
	}
	return p
}

// IsHopByHop reports whether name is in the fixed set.
func (p HeaderPolicy) IsHopByHop(name string) bool {
	_, ok := p.hop[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// Strip removes every header named in a Connection value, then the fixed set.
func (p HeaderPolicy) Strip(h http.Header) {
	for _, name := range connectionTokens(h) {
		h.Del(name)
	}
	for name := range p.hop {
		h.Del(name)
	}
}

func connectionTokens(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// UpgradeType returns the requested protocol when h asks for an upgrade
// (Connection lists "upgrade" and Upgrade is present), or "".
func UpgradeType(h http.Header) string {
	up := h.Get("Upgrade")
	if up == "" {
		return ""
	}
	for _, tok := range connectionTokens(h) {
		if strings.EqualFold(tok, "upgrade") {
			return up
		}
	}
	return ""
}

// SetUpgrade reinstates the Connection/Upgrade pair after Strip.
func SetUpgrade(h http.Header, protocol string) {
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", protocol)
}

// AppendForwardedFor adds clientIP to X-Forwarded-For, keeping any values
// set by earlier proxies.
func AppendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		clientIP = strings.Join(prior, ", ") + ", " + clientIP
	}
	h.Set("X-Forwarded-For", clientIP)
}

// RemoteIP extracts the IP portion from a host:port remote address.
func RemoteIP(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}
