// Package requestutil extracts client-address information from requests
// arriving through reverse proxies.
package requestutil

import (
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// RemoteAddr returns the client address for r, preferring the first valid
// entry of X-Forwarded-For, then X-Real-Ip, then the connection's own
// remote address.
func RemoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		first = strings.TrimSpace(first)
		if validIP(first) {
			return first
		}
	}
	if realIP := r.Header.Get("X-Real-Ip"); realIP != "" && validIP(realIP) {
		return realIP
	}
	return r.RemoteAddr
}

// RemoteIP returns RemoteAddr with any :port suffix removed.
func RemoteIP(r *http.Request) string {
	addr := RemoteAddr(r)
	if ip, _, err := net.SplitHostPort(addr); err == nil {
		return ip
	}
	return addr
}

func validIP(s string) bool {
	if net.ParseIP(s) == nil {
		logrus.Warnf("invalid remote IP address: %q", s)
		return false
	}
	return true
}
