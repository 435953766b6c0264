// Package dns handles hostname resolution for monitor targets, traceroute
// destinations and the listener's primary address lookup.
package dns

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/znamenap/connmon/option"
)

var (
	ErrNoIPv4Address = errors.New("no ipv4 address found")
	ErrNoIPAddresses = errors.New("no ip addresses")
	ErrResolve       = errors.New("resolve hostname")
)

// LookupFunc matches net.Resolver.LookupNetIP.
type LookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

// Resolver handles hostname resolution with configurable options
type Resolver struct {
	timeout  time.Duration
	useIPv4  bool
	lookup   LookupFunc
	hostname func() (string, error)
}

type ResolverOption = option.Option[Resolver]

// WithTimeout sets the DNS resolution timeout
func WithTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.timeout = timeout
	}
}

// WithIPv4Only configures the resolver to only return IPv4 addresses
func WithIPv4Only() ResolverOption {
	return func(r *Resolver) {
		r.useIPv4 = true
	}
}

// WithLookup replaces the system resolver.
func WithLookup(lookup LookupFunc) ResolverOption {
	return func(r *Resolver) {
		r.lookup = lookup
	}
}

// WithHostname replaces os.Hostname when looking up the host's own address.
func WithHostname(hostname func() (string, error)) ResolverOption {
	return func(r *Resolver) {
		r.hostname = hostname
	}
}

const (
	defaultTimeout = 2 * time.Second
	ipv4OrIPv6     = "ip" // allows LookupNetIP to use both IPv4 and IPv6
)

// NewResolver creates a new DNS resolver with optional configuration
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		timeout:  defaultTimeout,
		lookup:   net.DefaultResolver.LookupNetIP,
		hostname: os.Hostname,
	}
	option.Apply(r, opts...)

	return r
}

func (r *Resolver) lookupAll(ctx context.Context, hostname string) ([]netip.Addr, error) {
	lctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ipAddrs, err := r.lookup(lctx, ipv4OrIPv6, hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolve, hostname, err)
	}
	if len(ipAddrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoIPAddresses, hostname)
	}

	return ipAddrs, nil
}

// ResolveHostname resolves a hostname to an IP address respecting the context deadline
func (r *Resolver) ResolveHostname(ctx context.Context, hostname string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(hostname)
	if err == nil {
		return ip, nil
	}

	ipAddrs, err := r.lookupAll(ctx, hostname)
	if err != nil {
		return netip.Addr{}, err
	}

	var filtered []netip.Addr
	switch {
	case r.useIPv4:
		filtered = filterIPv4(ipAddrs)
		if len(filtered) == 0 {
			return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoIPv4Address, hostname)
		}
	default:
		filtered = unmapAddresses(ipAddrs)
	}

	return selectRandomIP(filtered)
}

// PrimaryIPv4 returns the first address the host's own name resolves to,
// mapped to IPv4. A native IPv6 first entry is mapped by taking its low 32
// bits, the same way an IPv4-mapped address would be.
//
// This is what a listener configured with 0.0.0.0 binds to: one concrete
// interface address rather than the wildcard.
func (r *Resolver) PrimaryIPv4(ctx context.Context) (netip.Addr, error) {
	hostname, err := r.hostname()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: own hostname: %w", ErrResolve, err)
	}

	ipAddrs, err := r.lookupAll(ctx, hostname)
	if err != nil {
		return netip.Addr{}, err
	}

	return mapToIPv4(ipAddrs[0]), nil
}

func mapToIPv4(ip netip.Addr) netip.Addr {
	if ip.Is4() {
		return ip
	}

	b := ip.As16()
	return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
}

func selectRandomIP(ipAddrs []netip.Addr) (netip.Addr, error) {
	if len(ipAddrs) == 0 {
		return netip.Addr{}, ErrNoIPAddresses
	}
	return ipAddrs[rand.Intn(len(ipAddrs))], nil
}

func filterIPv4(ipAddrs []netip.Addr) []netip.Addr {
	var ipList []netip.Addr
	for _, ip := range ipAddrs {
		// static builds (CGO=0) return IPv4-mapped IPv6 addresses
		if ip.Is4() || ip.Is4In6() {
			ipList = append(ipList, ip.Unmap())
		}
	}
	return ipList
}

func unmapAddresses(ipAddrs []netip.Addr) []netip.Addr {
	ipList := make([]netip.Addr, len(ipAddrs))
	for i, ip := range ipAddrs {
		ipList[i] = ip.Unmap()
	}
	return ipList
}
