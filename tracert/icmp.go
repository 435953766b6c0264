package tracert

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	maxReplySize = 1500
	payloadText  = "connmon-tracert"
)

// ICMPProber probes over a raw ip4:icmp socket, which needs CAP_NET_RAW or
// root.
type ICMPProber struct {
	id  uint16
	seq atomic.Uint32
}

func NewICMPProber() *ICMPProber {
	return &ICMPProber{id: uint16(os.Getpid() & 0xffff)}
}

// Probe implements Prober.
func (p *ICMPProber) Probe(ctx context.Context, dst netip.Addr, ttl int, timeout time.Duration) (Reply, error) {
	conn, err := net.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return Reply{}, fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	ipConn, ok := conn.(*net.IPConn)
	if !ok {
		return Reply{}, fmt.Errorf("open icmp socket: unexpected type %T", conn)
	}
	if err := setTTL(ipConn, ttl); err != nil {
		return Reply{}, fmt.Errorf("set ttl %d: %w", ttl, err)
	}

	seq := uint16(p.seq.Add(1))
	msg, err := EncodeEchoRequest(p.id, seq, []byte(payloadText))
	if err != nil {
		return Reply{}, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Reply{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	sent := time.Now()
	if _, err := conn.WriteTo(msg, &net.IPAddr{IP: dst.AsSlice()}); err != nil {
		return Reply{}, fmt.Errorf("send echo: %w", err)
	}

	buf := make([]byte, maxReplySize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return Reply{}, ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return Reply{Status: TimedOut}, nil
			}
			return Reply{}, fmt.Errorf("read reply: %w", err)
		}

		status, ok := ParseReply(buf[:n], p.id, seq)
		if !ok {
			// someone else's ICMP traffic
			continue
		}

		reply := Reply{Status: status, RTT: time.Since(sent)}
		if ipAddr, ok := from.(*net.IPAddr); ok {
			if addr, ok := netip.AddrFromSlice(ipAddr.IP); ok {
				reply.From = addr.Unmap()
			}
		}
		return reply, nil
	}
}

// EncodeEchoRequest builds an ICMPv4 echo request with a valid checksum.
func EncodeEchoRequest(id, seq uint16, payload []byte) ([]byte, error) {
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, icmp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("encode echo request: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseReply decodes an ICMPv4 message (without IP header) and reports
// whether it answers the echo request id/seq, and how.
func ParseReply(b []byte, id, seq uint16) (Status, bool) {
	icmp, ok := decodeICMP(b, layers.LayerTypeICMPv4)
	if !ok {
		return 0, false
	}

	switch icmp.TypeCode.Type() {
	case layers.ICMPv4TypeEchoReply:
		return Success, icmp.Id == id && icmp.Seq == seq
	case layers.ICMPv4TypeTimeExceeded:
		return TtlExpired, quotesRequest(icmp.Payload, id, seq)
	case layers.ICMPv4TypeDestinationUnreachable:
		return DestinationUnreachable, quotesRequest(icmp.Payload, id, seq)
	}
	return 0, false
}

// quotesRequest checks the original datagram quoted in an ICMP error.
func quotesRequest(quoted []byte, id, seq uint16) bool {
	inner, ok := decodeICMP(quoted, layers.LayerTypeIPv4)
	if !ok {
		return false
	}
	return inner.TypeCode.Type() == layers.ICMPv4TypeEchoRequest && inner.Id == id && inner.Seq == seq
}

func decodeICMP(b []byte, first gopacket.LayerType) (*layers.ICMPv4, bool) {
	packet := gopacket.NewPacket(b, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	layer := packet.Layer(layers.LayerTypeICMPv4)
	if layer == nil {
		return nil, false
	}
	icmp, ok := layer.(*layers.ICMPv4)
	return icmp, ok
}
