package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller's IP. X-Forwarded-For and X-Real-IP are only
// honoured when trustProxy is set; trustedProxyCount is the number of proxies
// we operate, counted from the right of X-Forwarded-For (0 is treated as 1).
//
//	client -> untrusted -> proxy2 -> proxy1 (ours)
//	X-Forwarded-For: "1.2.3.4, untrusted, proxy2"   trustedProxyCount=2 -> "1.2.3.4"
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
