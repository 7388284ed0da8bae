package relay

import (
	"net/http"
	"strings"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// buildUpstreamHeader copies client headers for the upstream call and swaps in the profile key.
func buildUpstreamHeader(in http.Header, apiKey string) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	removeHopByHop(out)
	out.Del("Host")
	out.Del("Content-Length")
	out.Del("X-Api-Key")
	out.Del("Authorization")
	if key := strings.TrimSpace(apiKey); key != "" {
		out.Set("Authorization", "Bearer "+key)
	}
	if out.Get("Content-Type") == "" {
		out.Set("Content-Type", "application/json")
	}
	return out
}

// copyResponseHeader copies upstream headers to the client response.
func copyResponseHeader(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func removeHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func isHopByHop(key string) bool {
	for _, name := range hopByHopHeaders {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}
