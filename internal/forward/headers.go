package forward

import (
	"net/http"
	"strings"
)

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// inbound headers that carry the caller's gateway credential or are owned by
// the outbound transport
var requestOwned = map[string]bool{
	"Authorization":   true,
	"Api-Key":         true,
	"Accept-Encoding": true,
	"Content-Length":  true,
	"Host":            true,
}

// connectionTokens lists headers named by Connection, which are hop-by-hop
// for this message only.
func connectionTokens(h http.Header) map[string]bool {
	out := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return out
}

func copyRequestHeaders(dst, src http.Header, userHeader string) {
	extra := connectionTokens(src)
	user := http.CanonicalHeaderKey(userHeader)
	for k, vals := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopByHop[ck] || requestOwned[ck] || extra[ck] || (user != "" && ck == user) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	extra := connectionTokens(src)
	for k, vals := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopByHop[ck] || extra[ck] || ck == "Content-Length" {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
