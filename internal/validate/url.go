// Package validate guards outbound destinations against SSRF and header
// injection. It runs twice per subscription: at configuration time and again
// immediately before every send, so a DNS rebind between the two is caught.
package validate

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

const (
	maxURLLength = 2048

	resolveTimeout = 5 * time.Second
)

// Hostnames that must never be reachable regardless of what they resolve to.
var deniedHosts = map[string]struct{}{
	"localhost":                    {},
	"metadata.google.internal":     {},
	"metadata.goog":                {},
	"instance-data":                {},
	"metadata":                     {},
	"metadata.azure.com":           {},
	"metadata.packet.net":          {},
	"metadata.platformequinix.com": {},
}

// Resolver is the DNS lookup used by URL validation. Swappable for tests.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Validator checks destination URLs and custom headers.
type Validator struct {
	resolver Resolver
}

// New returns a validator using the system resolver.
func New() *Validator {
	return &Validator{resolver: net.DefaultResolver}
}

// NewWithResolver returns a validator with a custom resolver (tests).
func NewWithResolver(r Resolver) *Validator {
	return &Validator{resolver: r}
}

// URL validates a destination URL. It requires HTTPS, rejects denylisted and
// literal private hosts, and resolves the hostname fresh (never cached) so the
// addresses checked are the addresses a send would actually hit.
func (v *Validator) URL(ctx context.Context, raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	if len(raw) > maxURLLength {
		return fmt.Errorf("url exceeds %d characters", maxURLLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url is not parseable")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("url must use https")
	}
	if u.User != nil {
		return fmt.Errorf("url must not embed credentials")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if _, denied := deniedHosts[host]; denied {
		return fmt.Errorf("host %q is not allowed", host)
	}

	// Literal IP hosts are checked directly, no lookup needed.
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		if reason := restrictedAddr(addr); reason != "" {
			return fmt.Errorf("host resolves to a %s address", reason)
		}
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	addrs, err := v.resolver.LookupNetIP(rctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("host %q does not resolve", host)
	}
	for _, addr := range addrs {
		if reason := restrictedAddr(addr); reason != "" {
			return fmt.Errorf("host resolves to a %s address", reason)
		}
	}
	return nil
}

// restrictedAddr classifies an address that must not be dialed. Empty string
// means the address is publicly routable.
func restrictedAddr(addr netip.Addr) string {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return "loopback"
	case addr.IsPrivate():
		return "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsMulticast():
		return "multicast"
	case !addr.IsValid(), !addr.IsGlobalUnicast():
		return "reserved"
	case addr.Is4() && isReserved4(addr):
		return "reserved"
	}
	return ""
}

// isReserved4 covers IPv4 ranges that IsGlobalUnicast does not exclude:
// CGNAT, benchmarking, documentation/TEST-NETs and class E.
func isReserved4(addr netip.Addr) bool {
	for _, cidr := range []string{
		"100.64.0.0/10",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"192.88.99.0/24",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"240.0.0.0/4",
	} {
		if netip.MustParsePrefix(cidr).Contains(addr) {
			return true
		}
	}
	return false
}
