// Package policy controls which UDP backends the relay may open sessions to.
package policy

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrBackendNotAllowed is returned for any destination outside the configured
// CIDR allow-list, including hostnames (the policy never resolves DNS).
var ErrBackendNotAllowed = errors.New("policy: backend not allowed")

// BackendPolicy is an ordered set of CIDR networks permitted as UDP
// destinations. Evaluation is on IP literals only; a hostname input is always
// denied so a malicious client cannot use DNS to escape the allow-list.
type BackendPolicy struct {
	nets []*net.IPNet
}

// New parses the CIDR list. An empty list yields a policy that denies
// everything.
func New(cidrs []string) (*BackendPolicy, error) {
	nets, err := parseCIDRList(cidrs)
	if err != nil {
		return nil, err
	}
	return &BackendPolicy{nets: nets}, nil
}

// Allow reports whether host is an IP literal contained in the allow-list
// union.
func (p *BackendPolicy) Allow(host string) bool {
	return p.AllowErr(host) == nil
}

// AllowErr is Allow with a wrapped ErrBackendNotAllowed describing the denial.
func (p *BackendPolicy) AllowErr(host string) error {
	if p == nil {
		return fmt.Errorf("%w: no policy configured", ErrBackendNotAllowed)
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return fmt.Errorf("%w: %q is not an IP literal", ErrBackendNotAllowed, host)
	}
	if ipInNets(ip, p.nets) {
		return nil
	}
	return fmt.Errorf("%w: %s not in any allowed CIDR", ErrBackendNotAllowed, ip)
}

func parseCIDRList(cidrs []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("policy: parse CIDR %q: %w", raw, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func ipInNets(ip net.IP, nets []*net.IPNet) bool {
	ip4 := ip.To4()
	var ip16 net.IP
	for _, n := range nets {
		if n.IP.To4() != nil {
			if ip4 != nil && n.Contains(ip4) {
				return true
			}
			continue
		}
		if ip16 == nil {
			ip16 = ip.To16()
		}
		if ip16 != nil && n.Contains(ip16) {
			return true
		}
	}
	return false
}
