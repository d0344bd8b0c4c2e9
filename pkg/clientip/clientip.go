// Package clientip resolves the real client address of an HTTP request
// when the service sits behind a reverse proxy or CDN. The webhook rate
// limiter keys on this value, so without header handling every request
// would share the proxy's address and one noisy sender could exhaust the
// bucket for the payment gateway itself.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// FromRequest returns the client IP, preferring proxy headers over the
// socket address:
//  1. CF-Connecting-IP (Cloudflare)
//  2. X-Forwarded-For (first valid entry)
//  3. X-Real-IP (nginx)
//  4. RemoteAddr
//
// Header values are validated as IPs so a spoofed garbage header falls
// through to the next source instead of becoming a rate limit key.
func FromRequest(r *http.Request) string {
	if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for part := range strings.SplitSeq(forwarded, ",") {
			if ip := parseIP(part); ip != "" {
				return ip
			}
		}
	}

	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

// parseIP validates and normalizes an IP string, returning "" when invalid.
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
