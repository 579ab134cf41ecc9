// Package urlcheck validates client-supplied URLs before the manager
// ever connects to them. Outbound targets must be plain http/https to
// a public host; notify callbacks additionally resolve DNS and require
// every returned address to be public.
package urlcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrUnsafe is wrapped by every rejection so callers can map the whole
// class to a single client error.
var ErrUnsafe = errors.New("unsafe url")

// Resolver is the DNS dependency; *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Checker holds the hardening policy.
type Checker struct {
	// AllowedHostSuffixes, when non-empty, restricts hosts to exact or
	// dot-suffix matches (case-insensitive).
	AllowedHostSuffixes []string

	// AllowPrivateNetworks skips the public-address checks. Intended
	// for closed deployments where runners and callbacks live on RFC
	// 1918 space.
	AllowPrivateNetworks bool

	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
}

func (c *Checker) resolver() Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return net.DefaultResolver
}

// parse applies the checks that need no network: scheme, host
// presence, userinfo, the localhost name and IP-literal classes.
func (c *Checker) parse(field, raw string) (host string, err error) {
	if raw == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrUnsafe, field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not a valid url", ErrUnsafe, field)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %s must use http or https", ErrUnsafe, field)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %s is missing host", ErrUnsafe, field)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: %s must not include userinfo", ErrUnsafe, field)
	}

	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(u.Hostname()), "."))
	if host == "" {
		return "", fmt.Errorf("%w: %s has invalid host", ErrUnsafe, field)
	}

	if len(c.AllowedHostSuffixes) > 0 && !hostMatchesSuffix(host, c.AllowedHostSuffixes) {
		return "", fmt.Errorf("%w: %s host not allowed", ErrUnsafe, field)
	}
	if !c.AllowPrivateNetworks {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") {
			return "", fmt.Errorf("%w: %s host not allowed", ErrUnsafe, field)
		}
		if addr, perr := netip.ParseAddr(host); perr == nil && disallowedAddr(addr) {
			return "", fmt.Errorf("%w: %s must not point to a private or reserved address", ErrUnsafe, field)
		}
	}
	return host, nil
}

// ValidateSource checks a source_url. No DNS resolution: the source is
// fetched by the runner, not by the manager.
func (c *Checker) ValidateSource(raw string) error {
	_, err := c.parse("source_url", raw)
	return err
}

// ValidateNotify checks a notify_url, including DNS resolution. Every
// address the host resolves to must be public (unless private networks
// are allowed). Called both at admission and again at send time.
func (c *Checker) ValidateNotify(ctx context.Context, raw string) error {
	host, err := c.parse("notify_url", raw)
	if err != nil {
		return err
	}

	// An IP literal was already classified in parse.
	if _, perr := netip.ParseAddr(host); perr == nil {
		return nil
	}

	ips, err := c.resolver().LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("%w: notify_url host cannot be resolved", ErrUnsafe)
	}
	if c.AllowPrivateNetworks {
		return nil
	}
	for _, ip := range ips {
		addr, perr := netip.ParseAddr(ip)
		if perr != nil || disallowedAddr(addr) {
			return fmt.Errorf("%w: notify_url resolves to a private or reserved address", ErrUnsafe)
		}
	}
	return nil
}

func hostMatchesSuffix(host string, suffixes []string) bool {
	for _, s := range suffixes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// reservedPrefixes covers address space netip cannot classify itself.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
}

func disallowedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
