package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Allowlist is a set of networks. An empty list allows everyone.
type Allowlist []*net.IPNet

// ParseCIDRAllowlist accepts CIDRs and bare addresses; blanks are skipped.
func ParseCIDRAllowlist(entries []string) (Allowlist, error) {
	var out Allowlist
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid allowlist entry %q", entry)
			}
			bits := 128
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist entry %q: %w", entry, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// AllowsAddr reports whether a host:port remote address is allowed.
func (a Allowlist) AllowsAddr(remote string) bool {
	if len(a) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range a {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func IPAllowlist(allow Allowlist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow.AllowsAddr(r.RemoteAddr) {
				WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
