package monitors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/znamenap/connmon/connection"
	"github.com/znamenap/connmon/dns"
	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/session"
	"github.com/znamenap/connmon/statistics"
)

// Outgoing keeps one session to a remote endpoint alive, dialing again
// whenever it ends.
type Outgoing struct {
	settings

	address       string
	port          int
	sessionPolicy session.Policy
}

// NewOutgoing prepares a monitor for address:port. address may be a host
// name; it is resolved again before every dial.
func NewOutgoing(address string, port int, opts ...Option) *Outgoing {
	m := &Outgoing{
		settings: defaultSettings(),
		address:  address,
		port:     port,
	}
	option.Apply(&m.settings, opts...)

	m.sessionPolicy = session.RetryPolicy()
	if m.policy != nil {
		m.sessionPolicy = *m.policy
	}
	if m.dial == nil {
		m.dial = m.defaultDial
	}
	if m.resolver == nil {
		m.resolver = dns.NewResolver(dns.WithIPv4Only())
	}

	return m
}

// Monitor dials until ctx is done. Failures never end it; it returns nil
// once cancelled.
func (m *Outgoing) Monitor(ctx context.Context) error {
	target := net.JoinHostPort(m.address, strconv.Itoa(m.port))
	em := events.Emitter{Sink: m.sink, Local: connection.UnknownEndpoint, Remote: target}

	for ctx.Err() == nil {
		em.Emit(events.Event{Kind: events.KindDial, Severity: events.Info, Message: "InProgress"})

		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			em.Emit(events.Event{
				Kind:     events.KindDial,
				Severity: events.Warn,
				Message:  fmt.Sprintf("Failed with %s", connection.ErrorCode(err)),
				Err:      err,
			})
			sleep(ctx, m.retryInterval)
			continue
		}

		if err := m.runSession(ctx, conn); err != nil {
			em.Emit(events.Event{Kind: events.KindError, Severity: events.Error, Message: "Session failed", Err: err})
			sleep(ctx, m.retryInterval)
		}
	}

	return nil
}

func (m *Outgoing) connect(ctx context.Context) (session.Conn, error) {
	ip, err := m.resolver.ResolveHostname(ctx, m.address)
	if err != nil {
		return nil, err
	}

	return m.dial(ctx, net.JoinHostPort(ip.String(), strconv.Itoa(m.port)))
}

// runSession runs one session to completion. Ordinary endings such as a
// bail-out are not errors; anything else, a panic included, is.
func (m *Outgoing) runSession(ctx context.Context, conn session.Conn) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	defer conn.Close()

	id := uuid.NewString()
	cem := events.Emitter{Sink: m.sink, Session: id, Local: conn.LocalEndpoint(), Remote: conn.RemoteEndpoint()}
	cem.Emit(events.Event{Kind: events.KindConnect, Severity: events.Info, Message: "Success"})

	ka := session.New(conn,
		session.WithID(id),
		session.WithPolicy(m.sessionPolicy),
		session.WithSink(m.sink),
		session.WithDirection(statistics.Outgoing))

	res, err := ka.Run(ctx)
	m.report(res)

	if errors.Is(err, session.ErrBailedOut) || errors.Is(err, session.ErrConnectionFailed) {
		return nil
	}
	return err
}
