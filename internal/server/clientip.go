package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceXForwardedFor = "x_forwarded_for"
	ipSourceXRealIP       = "x_real_ip"
)

// clientIPResolver decides which address identifies the caller. Forwarded
// headers are honoured only when trusted globally or when the direct peer
// falls inside a trusted proxy range.
type clientIPResolver struct {
	trustAll bool
	proxies  []*net.IPNet
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustAll: cfg.TrustForwardedHeaders}
	for _, raw := range cfg.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("parse trusted proxy %q: invalid IP", raw)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			resolver.proxies = append(resolver.proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
		}
		resolver.proxies = append(resolver.proxies, network)
	}
	return resolver, nil
}

// ClientIPFromRequest returns the client address and where it came from.
func (c *clientIPResolver) ClientIPFromRequest(r *http.Request) (string, string) {
	remote := hostOnly(r.RemoteAddr)
	if c == nil || !c.trusts(remote) {
		return remote, ipSourceRemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first, ipSourceXForwardedFor
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" && net.ParseIP(realIP) != nil {
		return realIP, ipSourceXRealIP
	}
	return remote, ipSourceRemoteAddr
}

func (c *clientIPResolver) trusts(remote string) bool {
	if c.trustAll {
		return true
	}
	ip := net.ParseIP(remote)
	if ip == nil {
		return false
	}
	for _, network := range c.proxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOnly(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
