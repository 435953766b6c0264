package dns_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/znamenap/connmon/dns"
)

func fixedLookup(addrs ...string) dns.LookupFunc {
	return func(context.Context, string, string) ([]netip.Addr, error) {
		out := make([]netip.Addr, len(addrs))
		for i, a := range addrs {
			out[i] = netip.MustParseAddr(a)
		}
		return out, nil
	}
}

func fixedHostname(name string) func() (string, error) {
	return func() (string, error) { return name, nil }
}

func TestResolver_ResolveHostname_IPAddress(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		want     netip.Addr
	}{
		{
			name:     "ipv4 address",
			hostname: "192.168.1.1",
			want:     netip.MustParseAddr("192.168.1.1"),
		},
		{
			name:     "ipv6 address",
			hostname: "::1",
			want:     netip.MustParseAddr("::1"),
		},
		{
			name:     "ipv4 loopback",
			hostname: "127.0.0.1",
			want:     netip.MustParseAddr("127.0.0.1"),
		},
	}

	resolver := dns.NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.ResolveHostname(t.Context(), tt.hostname)
			if err != nil {
				t.Fatalf("ResolveHostname() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveHostname() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolver_ResolveHostname_Localhost(t *testing.T) {
	resolver := dns.NewResolver()
	got, err := resolver.ResolveHostname(t.Context(), "localhost")
	if err != nil {
		t.Fatalf("ResolveHostname(localhost) error = %v", err)
	}

	if !got.IsLoopback() {
		t.Errorf("ResolveHostname(localhost) = %v, want loopback address", got)
	}
}

func TestResolver_WithIPv4Only(t *testing.T) {
	resolver := dns.NewResolver(
		dns.WithIPv4Only(),
		dns.WithLookup(fixedLookup("2001:db8::1", "::ffff:10.0.0.7")),
	)
	got, err := resolver.ResolveHostname(t.Context(), "target")
	if err != nil {
		t.Fatalf("ResolveHostname() error = %v", err)
	}

	if got != netip.MustParseAddr("10.0.0.7") {
		t.Errorf("ResolveHostname() with IPv4Only = %v, want 10.0.0.7", got)
	}
}

func TestResolver_WithIPv4Only_NoAddress(t *testing.T) {
	resolver := dns.NewResolver(
		dns.WithIPv4Only(),
		dns.WithLookup(fixedLookup("2001:db8::1")),
	)
	_, err := resolver.ResolveHostname(t.Context(), "target")
	if !errors.Is(err, dns.ErrNoIPv4Address) {
		t.Errorf("ResolveHostname() error = %v, want ErrNoIPv4Address", err)
	}
}

func TestResolver_ResolveHostname_InvalidHostname(t *testing.T) {
	resolver := dns.NewResolver()
	_, err := resolver.ResolveHostname(t.Context(), "this-hostname-definitely-does-not-exist-12345.invalid")
	if err == nil {
		t.Error("ResolveHostname() expected error for invalid hostname")
	}

	if !errors.Is(err, dns.ErrResolve) {
		t.Errorf("ResolveHostname() error = %v, want ErrResolve", err)
	}
}

func TestResolver_ResolveHostname_EmptyAnswer(t *testing.T) {
	resolver := dns.NewResolver(dns.WithLookup(fixedLookup()))
	_, err := resolver.ResolveHostname(t.Context(), "target")
	if !errors.Is(err, dns.ErrNoIPAddresses) {
		t.Errorf("ResolveHostname() error = %v, want ErrNoIPAddresses", err)
	}
}

func TestResolver_ResolveHostname_ContextCancellation(t *testing.T) {
	resolver := dns.NewResolver()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := resolver.ResolveHostname(ctx, "example.com")
	if err == nil {
		t.Error("ResolveHostname() expected error for cancelled context")
	}
}

func TestResolver_ResolveHostname_Timeout(t *testing.T) {
	resolver := dns.NewResolver()
	ctx, cancel := context.WithDeadline(t.Context(), time.Now().Add(-1*time.Second))
	defer cancel()

	_, err := resolver.ResolveHostname(ctx, "example.com")
	if err == nil {
		t.Error("ResolveHostname() expected error for timed out context")
	}
}

func TestResolver_WithTimeout(t *testing.T) {
	resolver := dns.NewResolver(dns.WithTimeout(1 * time.Nanosecond))

	_, err := resolver.ResolveHostname(t.Context(), "example.com")
	if err == nil {
		t.Error("ResolveHostname() expected timeout error")
	}
}

func TestResolver_PrimaryIPv4(t *testing.T) {
	tests := []struct {
		name  string
		addrs []string
		want  string
	}{
		{name: "ipv4 first", addrs: []string{"192.168.1.20", "10.0.0.1"}, want: "192.168.1.20"},
		{name: "mapped ipv6 first", addrs: []string{"::ffff:172.16.0.9", "10.0.0.1"}, want: "172.16.0.9"},
		{name: "native ipv6 uses low bits", addrs: []string{"fe80::c0a8:0102"}, want: "192.168.1.2"},
		{name: "unspecified ipv6 maps to wildcard", addrs: []string{"::"}, want: "0.0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := dns.NewResolver(
				dns.WithHostname(fixedHostname("box")),
				dns.WithLookup(fixedLookup(tt.addrs...)),
			)

			got, err := resolver.PrimaryIPv4(t.Context())
			if err != nil {
				t.Fatalf("PrimaryIPv4() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("PrimaryIPv4() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolver_PrimaryIPv4_Errors(t *testing.T) {
	boom := errors.New("boom")

	resolver := dns.NewResolver(dns.WithHostname(func() (string, error) { return "", boom }))
	if _, err := resolver.PrimaryIPv4(t.Context()); !errors.Is(err, boom) || !errors.Is(err, dns.ErrResolve) {
		t.Errorf("PrimaryIPv4() error = %v, want ErrResolve wrapping boom", err)
	}

	resolver = dns.NewResolver(
		dns.WithHostname(fixedHostname("box")),
		dns.WithLookup(func(context.Context, string, string) ([]netip.Addr, error) { return nil, boom }),
	)
	if _, err := resolver.PrimaryIPv4(t.Context()); !errors.Is(err, boom) {
		t.Errorf("PrimaryIPv4() error = %v, want boom", err)
	}
}

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "ErrNoIPv4Address", err: dns.ErrNoIPv4Address},
		{name: "ErrNoIPAddresses", err: dns.ErrNoIPAddresses},
		{name: "ErrResolve", err: dns.ErrResolve},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Errorf("%s is nil", tt.name)
			}
			if tt.err.Error() == "" {
				t.Errorf("%s has empty error message", tt.name)
			}
		})
	}
}
