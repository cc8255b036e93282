package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the client address, trusting proxy headers. Use it only
// behind a proxy that overwrites X-Forwarded-For.
func GetClientIP(r *http.Request) string {
	return ClientIP(r, true)
}

// ClientIP extracts the client address. With trustForwarded it prefers the
// first X-Forwarded-For hop, then X-Real-IP. Otherwise only RemoteAddr counts,
// so clients cannot pick their own rate limit key.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := normalize(first); ip != "" {
				return ip
			}
		}
		if ip := normalize(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return RemoteIP(r)
}

// RemoteIP returns the host part of RemoteAddr
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalize(r.RemoteAddr)
	}
	return host
}

func normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	if i := strings.Index(raw, "]"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}
