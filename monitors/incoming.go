package monitors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/znamenap/connmon/connection"
	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/listener"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/session"
	"github.com/znamenap/connmon/statistics"
)

// ErrQueueFull is reported for a connection that waited too long for a
// place in the hand-off queue.
var ErrQueueFull = errors.New("pending connection queue full")

// acceptErrorPace limits how often a failing Accept is retried.
const acceptErrorPace = 100 * time.Millisecond

// Incoming accepts connections and runs one echo session per connection.
type Incoming struct {
	settings

	address       string
	port          int
	sessionPolicy session.Policy
	limiter       *rate.Limiter
	registry      *Registry
	slots         chan struct{}
}

// NewIncoming prepares a monitor for address:port. Nothing is bound until
// Monitor runs.
func NewIncoming(address string, port int, opts ...Option) *Incoming {
	m := &Incoming{
		settings: defaultSettings(),
		address:  address,
		port:     port,
		limiter:  rate.NewLimiter(rate.Every(acceptErrorPace), 1),
		registry: NewRegistry(),
	}
	option.Apply(&m.settings, opts...)

	m.sessionPolicy = session.FailFastPolicy()
	if m.policy != nil {
		m.sessionPolicy = *m.policy
	}
	if m.bind == nil {
		m.bind = m.defaultBind
	}
	if m.maxWorkers > 0 {
		m.slots = make(chan struct{}, m.maxWorkers)
	}

	return m
}

// Registry exposes the worker handles.
func (m *Incoming) Registry() *Registry {
	return m.registry
}

// Monitor binds the listener and serves until ctx is done. Only a failure to
// bind, or the listener going away on its own, is returned.
func (m *Incoming) Monitor(ctx context.Context) error {
	em := events.Emitter{Sink: m.sink}

	ln, err := m.bind(ctx, m.address, m.port)
	if err != nil {
		em.Emit(events.Event{Kind: events.KindListen, Severity: events.Error, Message: "Bind failed", Err: err})
		return fmt.Errorf("bind %s:%d: %w", m.address, m.port, err)
	}

	em.Local = ln.Endpoint()
	em.Emit(events.Event{Kind: events.KindListen, Severity: events.Info, Message: "Listening"})

	queue := make(chan *connection.Connection, m.queueCapacity)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.acceptLoop(gctx, em, ln, queue)
	})
	g.Go(func() error {
		return m.dispatchLoop(gctx, queue)
	})

	err = g.Wait()

	if cerr := ln.Close(); cerr != nil {
		em.Emit(events.Event{Kind: events.KindClose, Severity: events.Warn, Message: "Listener close failed", Err: cerr})
	}
	m.drain(em, queue)
	m.shutdown(em)

	em.Emit(events.Event{Kind: events.KindClose, Severity: events.Info, Message: "Listener closed"})
	return err
}

func (m *Incoming) acceptLoop(ctx context.Context, em events.Emitter, ln Acceptor, queue chan<- *connection.Connection) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, listener.ErrListenerClosed) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}

			em.Emit(events.Event{Kind: events.KindError, Severity: events.Error, Message: "Accept failed", Err: err})
			if werr := m.limiter.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}

		cem := events.Emitter{Sink: m.sink, Local: conn.LocalEndpoint(), Remote: conn.RemoteEndpoint()}
		cem.Emit(events.Event{Kind: events.KindAccept, Severity: events.Info, Message: "Success"})

		if err := m.enqueue(ctx, queue, conn); err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			cem.Emit(events.Event{Kind: events.KindDrop, Severity: events.Error, Message: "Dropped", Err: err})
		}
	}
}

func (m *Incoming) enqueue(ctx context.Context, queue chan<- *connection.Connection, conn *connection.Connection) error {
	t := time.NewTimer(m.enqueueTimeout)
	defer t.Stop()

	select {
	case queue <- conn:
		return nil
	case <-t.C:
		return fmt.Errorf("%w after %v", ErrQueueFull, m.enqueueTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Incoming) dispatchLoop(ctx context.Context, queue <-chan *connection.Connection) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case conn := <-queue:
			if !m.acquire(ctx) {
				_ = conn.Close()
				return nil
			}
			m.spawn(ctx, conn)
			m.registry.Prune()
		}
	}
}

func (m *Incoming) acquire(ctx context.Context) bool {
	if m.slots == nil {
		return true
	}

	select {
	case m.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Incoming) release() {
	if m.slots != nil {
		<-m.slots
	}
}

func (m *Incoming) spawn(ctx context.Context, conn *connection.Connection) {
	id := uuid.NewString()

	m.registry.Spawn(id, conn.RemoteEndpoint(), func() error {
		defer m.release()
		defer conn.Close()

		ka := session.New(conn,
			session.WithID(id),
			session.WithPolicy(m.sessionPolicy),
			session.WithSink(m.sink),
			session.WithDirection(statistics.Incoming))

		res, err := ka.Run(ctx)
		m.report(res)

		if errors.Is(err, session.ErrBailedOut) || errors.Is(err, session.ErrConnectionFailed) {
			// the session already reported why it gave up
			return nil
		}
		return err
	})
}

// drain closes connections that were accepted but never dispatched.
func (m *Incoming) drain(em events.Emitter, queue chan *connection.Connection) {
	for {
		select {
		case conn := <-queue:
			_ = conn.Close()
			em.Emit(events.Event{Kind: events.KindClose, Severity: events.Info, Remote: conn.RemoteEndpoint(), Message: "Closed before dispatch"})
		default:
			return
		}
	}
}

func (m *Incoming) shutdown(em events.Emitter) {
	ctx, cancel := context.WithTimeout(context.Background(), m.gracePeriod)
	defer cancel()

	if err := m.registry.Wait(ctx); err != nil {
		em.Emit(events.Event{
			Kind:     events.KindError,
			Severity: events.Warn,
			Message:  fmt.Sprintf("%d sessions still running after %v", m.registry.Running(), m.gracePeriod),
		})
	}

	for _, w := range m.registry.Failures() {
		werr, _ := w.Err()
		em.Emit(events.Event{
			Kind:     events.KindError,
			Severity: events.Error,
			Session:  w.ID,
			Remote:   w.Remote,
			Message:  "Pong feature failed",
			Err:      werr,
		})
	}
}
