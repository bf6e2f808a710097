package guard

import (
	"net"
	"strings"
)

// Access holds the bypass and high-value rules. Bypass checks are pure and
// run before any store access.
type Access struct {
	excluded  []string
	whitelist []*net.IPNet
	highValue []string
}

func NewAccess(excluded, whitelist, highValue []string) *Access {
	return &Access{
		excluded:  cleanPrefixes(excluded),
		whitelist: parseCIDRs(whitelist),
		highValue: cleanPrefixes(highValue),
	}
}

// Excluded reports whether path starts with an excluded prefix.
func (a *Access) Excluded(path string) bool {
	return hasPrefix(path, a.excluded)
}

// Whitelisted reports whether identity falls in a whitelisted IP or CIDR.
func (a *Access) Whitelisted(identity string) bool {
	return ipInNets(identity, a.whitelist)
}

// HighValue reports whether path is subject to the disclosure delay.
func (a *Access) HighValue(path string) bool {
	return hasPrefix(path, a.highValue)
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func cleanPrefixes(in []string) []string {
	var out []string
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err == nil && n != nil {
			nets = append(nets, n)
			continue
		}
		// Support single IPs
		if ip := net.ParseIP(c); ip != nil {
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return nets
}

func ipInNets(ipStr string, nets []*net.IPNet) bool {
	if ipStr == "" {
		return false
	}
	addr := net.ParseIP(ipStr)
	if addr == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
