package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientAddress extracts the client address from the request.
// X-Forwarded-For and X-Real-IP are honoured only when trustProxy is set.
//
// SECURITY: trustedProxyCount is the number of proxies we control at the
// right-hand end of X-Forwarded-For. Entries left of them are client supplied
// and only the one directly in front of our proxies is taken.
func ClientAddress(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	return ClientAddressFromHeaders(
		r.RemoteAddr,
		r.Header.Get("X-Forwarded-For"),
		r.Header.Get("X-Real-IP"),
		trustProxy,
		trustedProxyCount,
	)
}

// ClientAddressFromHeaders is ClientAddress for transports that do not use
// *http.Request (Fiber, fasthttp).
func ClientAddressFromHeaders(remoteAddr, forwardedFor, realIP string, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if addr := addressFromXFF(forwardedFor, trustedProxyCount); addr != "" {
			return addr
		}
		if addr := parseAddress(realIP); addr != "" {
			return addr
		}
	}
	return addressFromRemote(remoteAddr)
}

// addressFromXFF picks the client entry of "client, proxy1, proxy2".
//
//	Client (1.2.3.4) -> UntrustedProxy -> TrustedProxy2 -> TrustedProxy1 (us)
//	X-Forwarded-For: "1.2.3.4, untrusted-ip, proxy2-ip"
//	trustedProxyCount=2 picks ips[0] = "1.2.3.4"
func addressFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	parts := strings.Split(xff, ",")
	proxies := trustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := len(parts) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	return parseAddress(parts[idx])
}

// parseAddress returns the canonical form of s, or "" if s is not an IP.
func parseAddress(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

func addressFromRemote(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if addr := parseAddress(host); addr != "" {
		return addr
	}
	return host
}
