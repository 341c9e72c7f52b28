package gateway

import (
	"net/http"
	"net/textproto"
	"strings"
)

// ProxyMarkerHeader flags requests that must be forwarded to the upstream API.
const ProxyMarkerHeader = "X-Console-Proxy"

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HeaderPolicy is a set of header names stripped from a message.
// Names are compared in canonical MIME form.
type HeaderPolicy struct {
	deny map[string]struct{}
}

// NewHeaderPolicy builds a policy denying the given header names.
func NewHeaderPolicy(names ...string) HeaderPolicy {
	deny := make(map[string]struct{}, len(names))
	for _, name := range names {
		deny[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))] = struct{}{}
	}
	return HeaderPolicy{deny: deny}
}

// OutboundHeaderPolicy strips hop-by-hop headers, browser credentials, the proxy
// marker and Accept-Encoding from requests sent upstream. Authorization is
// always replaced by the session's bearer token.
func OutboundHeaderPolicy() HeaderPolicy {
	return NewHeaderPolicy(append([]string{"Authorization", "Cookie", "Host", ProxyMarkerHeader, "Accept-Encoding"}, hopByHopHeaders...)...)
}

// ResponseHeaderPolicy strips hop-by-hop and body framing headers from upstream responses.
func ResponseHeaderPolicy() HeaderPolicy {
	return NewHeaderPolicy(append([]string{"Content-Encoding", "Content-Length"}, hopByHopHeaders...)...)
}

// Denies reports whether the policy strips name.
func (policy HeaderPolicy) Denies(name string) bool {
	_, denied := policy.deny[textproto.CanonicalMIMEHeaderKey(name)]
	return denied
}

// Apply removes denied headers and any header listed in Connection.
func (policy HeaderPolicy) Apply(header http.Header) {
	for _, connectionValue := range header.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if name := strings.TrimSpace(token); name != "" {
				header.Del(name)
			}
		}
	}
	for name := range header {
		if policy.Denies(name) {
			delete(header, name)
		}
	}
}
