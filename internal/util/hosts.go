package util

import "net"

// IsLoopbackHostname reports whether hostname (without port) is localhost or a
// loopback IP, including the whole 127.0.0.0/8 range and ::1.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		hostname = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
