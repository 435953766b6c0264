// Package tracert discovers the routers on the path to a host by sending ICMP
// echo requests with increasing TTL.
package tracert

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/znamenap/connmon/connection"
	"github.com/znamenap/connmon/dns"
	"github.com/znamenap/connmon/option"
)

var ErrAlreadyConsumed = errors.New("trace already consumed")

const (
	DefaultMaxHops = 30
	DefaultTimeout = 2500 * time.Millisecond
)

// Status is the outcome of one probe.
type Status int

const (
	Success Status = iota
	TtlExpired
	TimedOut
	DestinationUnreachable
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case TtlExpired:
		return "TtlExpired"
	case TimedOut:
		return "TimedOut"
	case DestinationUnreachable:
		return "DestinationUnreachable"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Hop is one line of a trace.
type Hop struct {
	TTL    int
	Status Status
	Target netip.Addr
	Addr   netip.Addr // invalid when nothing answered
	RTT    time.Duration
}

// AddrStr renders the responding address in log format, or "*".
func (h Hop) AddrStr() string {
	if !h.Addr.IsValid() {
		return "*"
	}
	return formatAddr(h.Addr)
}

// TargetStr renders the destination in log format.
func (h Hop) TargetStr() string {
	if !h.Target.IsValid() {
		return connection.UnknownEndpoint
	}
	return formatAddr(h.Target)
}

func formatAddr(ip netip.Addr) string {
	if !ip.Is4() {
		return ip.String()
	}
	b := ip.As4()
	return fmt.Sprintf("%03d.%03d.%03d.%03d", b[0], b[1], b[2], b[3])
}

// Reply is what a Prober observed for one probe.
type Reply struct {
	Status Status
	From   netip.Addr
	RTT    time.Duration
}

// Prober sends one echo request with the given TTL and waits for the answer.
// No answer within timeout is a TimedOut reply, not an error.
type Prober interface {
	Probe(ctx context.Context, dst netip.Addr, ttl int, timeout time.Duration) (Reply, error)
}

// Tracer runs traces with a fixed configuration.
type Tracer struct {
	maxHops  int
	timeout  time.Duration
	prober   Prober
	resolver *dns.Resolver
}

type Option = option.Option[Tracer]

// WithMaxHops sets the largest TTL tried.
func WithMaxHops(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.maxHops = n
		}
	}
}

// WithTimeout sets how long each hop is waited for.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracer) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithProber replaces the raw socket ICMP prober.
func WithProber(p Prober) Option {
	return func(t *Tracer) {
		t.prober = p
	}
}

// WithResolver replaces the resolver used for the target.
func WithResolver(r *dns.Resolver) Option {
	return func(t *Tracer) {
		t.resolver = r
	}
}

func New(opts ...Option) *Tracer {
	t := &Tracer{
		maxHops: DefaultMaxHops,
		timeout: DefaultTimeout,
	}
	option.Apply(t, opts...)

	if t.prober == nil {
		t.prober = NewICMPProber()
	}
	if t.resolver == nil {
		t.resolver = dns.NewResolver(dns.WithIPv4Only())
	}

	return t
}

// Trace returns the hops to host, one probe at a time as the sequence is
// iterated. It ends after the target answers, after a hop reports anything
// other than an expired TTL or a timeout, after the maximum TTL, or when ctx
// is done. The sequence can be iterated once; a second pass yields
// ErrAlreadyConsumed.
func (t *Tracer) Trace(ctx context.Context, host string) iter.Seq2[Hop, error] {
	var consumed atomic.Bool

	return func(yield func(Hop, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(Hop{}, ErrAlreadyConsumed)
			return
		}

		dst, err := t.resolver.ResolveHostname(ctx, host)
		if err != nil {
			yield(Hop{}, fmt.Errorf("trace %s: %w", host, err))
			return
		}

		for ttl := 1; ttl <= t.maxHops; ttl++ {
			if ctx.Err() != nil {
				return
			}

			reply, err := t.prober.Probe(ctx, dst, ttl, t.timeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(Hop{TTL: ttl, Target: dst}, fmt.Errorf("probe ttl %d: %w", ttl, err))
				return
			}

			hop := Hop{TTL: ttl, Status: reply.Status, Target: dst, Addr: reply.From, RTT: reply.RTT}
			if reply.Status == TimedOut {
				hop.Addr = netip.Addr{}
			}
			if !yield(hop, nil) {
				return
			}

			if reply.Status != TtlExpired && reply.Status != TimedOut {
				return
			}
		}
	}
}
