// Package session runs the ping-pong keep-alive protocol over one TCP
// connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/znamenap/connmon/connection"
	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/statistics"
)

var (
	ErrBailedOut        = errors.New("too many consecutive errors")
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotConnected     = errors.New("connection not open")
)

// State is the lifecycle position of a session.
type State int32

const (
	Running State = iota
	Closing
	BailedOut
	Closed
	// Failed ends a session whose connection broke under it.
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Closing:
		return "Closing"
	case BailedOut:
		return "BailedOut"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is the part of connection.Connection a session needs.
type Conn interface {
	Read(buf []byte, deadline time.Time) (int, error)
	Write(b []byte, deadline time.Time) error
	Close() error
	IsOpen() bool
	LocalEndpoint() string
	RemoteEndpoint() string
}

// Result describes how a session ended.
type Result struct {
	ID         string
	State      State
	Iterations int
	Errors     int
	Statistics *statistics.Statistics
}

// KeepAlive exchanges pings over one connection until the context is done
// or the error budget is used up. It owns the connection and always closes
// it before Run returns.
type KeepAlive struct {
	id        string
	conn      Conn
	policy    Policy
	direction statistics.Direction
	sink      events.Sink
	now       func() time.Time

	state     atomic.Int32
	errors    int
	iteration int
	buf       []byte
	stats     *statistics.Statistics
	emitter   events.Emitter
}

type Option = option.Option[KeepAlive]

// WithPolicy replaces RetryPolicy. Zero fields take their defaults.
func WithPolicy(p Policy) Option {
	return func(k *KeepAlive) {
		k.policy = p
	}
}

// WithSink sets where session events go.
func WithSink(sink events.Sink) Option {
	return func(k *KeepAlive) {
		k.sink = sink
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(k *KeepAlive) {
		k.now = now
	}
}

// WithID sets the session id instead of a random UUID.
func WithID(id string) Option {
	return func(k *KeepAlive) {
		k.id = id
	}
}

// WithDirection records which side opened the connection.
func WithDirection(d statistics.Direction) Option {
	return func(k *KeepAlive) {
		k.direction = d
	}
}

// New prepares a session over conn.
func New(conn Conn, opts ...Option) *KeepAlive {
	k := &KeepAlive{
		conn:      conn,
		policy:    RetryPolicy(),
		direction: statistics.Outgoing,
		sink:      events.Discard,
		now:       time.Now,
	}
	option.Apply(k, opts...)

	if k.id == "" {
		k.id = uuid.NewString()
	}
	k.policy = k.policy.withDefaults()
	k.buf = make([]byte, BufferSize)
	k.emitter = events.Emitter{
		Sink:    k.sink,
		Session: k.id,
		Local:   conn.LocalEndpoint(),
		Remote:  conn.RemoteEndpoint(),
		Now:     k.now,
	}

	return k
}

// ID identifies the session in events.
func (k *KeepAlive) ID() string {
	return k.id
}

// State may be read from any goroutine.
func (k *KeepAlive) State() State {
	return State(k.state.Load())
}

// Run blocks until the session ends. Cancelling ctx is a normal exit and
// returns a nil error with the Closing state. ErrBailedOut and
// ErrConnectionFailed report that the connection was given up; the latter
// comes with the Failed state.
func (k *KeepAlive) Run(ctx context.Context) (Result, error) {
	if !k.conn.IsOpen() {
		k.state.Store(int32(Closed))
		return k.result(Closed), ErrNotConnected
	}

	k.stats = statistics.New(k.id, k.direction, k.emitter.Local, k.emitter.Remote, k.now())

	// cancellation unblocks a pending read or write by closing the socket
	stop := context.AfterFunc(ctx, func() { _ = k.conn.Close() })
	defer stop()
	defer k.close()

	k.state.Store(int32(Running))
	k.emitter.Emit(events.Event{Kind: events.KindStart, Severity: events.Info, Message: "Session started"})

	for ctx.Err() == nil && k.errors < k.policy.MaxErrors {
		k.iteration++

		var err error
		if k.policy.FailFastOnIOError {
			err = k.echoRound(ctx)
		} else {
			err = k.pingRound(ctx)
		}

		if err != nil && (k.policy.FailFastOnIOError || disconnected(err)) {
			if ctx.Err() != nil {
				break
			}
			k.state.Store(int32(Failed))
			return k.result(Failed), fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}

		if k.errors >= k.policy.MaxErrors {
			break
		}

		k.idle(ctx)
	}

	if k.errors >= k.policy.MaxErrors {
		k.state.Store(int32(BailedOut))
		k.stats.BailedOut = true
		k.emitter.Emit(events.Event{
			Kind:      events.KindBailOut,
			Severity:  events.Warn,
			Iteration: k.iteration,
			Message:   fmt.Sprintf("Bailing out after %d consecutive errors", k.errors),
		})
		return k.result(BailedOut), ErrBailedOut
	}

	k.state.Store(int32(Closing))
	return k.result(Closing), nil
}

// pingRound sends first and then waits for the answer. The returned error
// has already been counted and reported.
func (k *KeepAlive) pingRound(ctx context.Context) error {
	sentAt := k.now()
	payload := k.policy.Payload(sentAt.UTC(), k.iteration)

	if err := k.conn.Write([]byte(payload), sentAt.Add(k.policy.IOTimeout)); err != nil {
		k.fail(ctx, events.KindSend, err)
		return err
	}
	k.emitter.Emit(events.Event{Kind: events.KindSend, Severity: events.Info, Iteration: k.iteration, Message: payload})

	n, err := k.conn.Read(k.buf, k.now().Add(k.policy.IOTimeout))
	if err != nil {
		k.fail(ctx, events.KindReceive, err)
		return err
	}

	at := k.now()
	k.errors = 0

	if n == 0 {
		k.stats.RecordTimeout(at)
		k.emitter.Emit(events.Event{Kind: events.KindTimeout, Severity: events.Warn, Iteration: k.iteration, Message: "Timeout"})
		return nil
	}

	rtt := at.Sub(sentAt)
	k.stats.RecordSuccess(at, rtt)
	k.emitter.Emit(events.Event{
		Kind:      events.KindReceive,
		Severity:  events.Info,
		Iteration: k.iteration,
		RTT:       rtt,
		Message:   string(k.buf[:n]),
	})
	return nil
}

// echoRound consumes whatever the peer has sent without waiting and answers
// with a fresh timestamp.
func (k *KeepAlive) echoRound(ctx context.Context) error {
	n, err := k.conn.Read(k.buf, time.Time{})
	if err != nil {
		k.fail(ctx, events.KindReceive, err)
		return err
	}
	if n > 0 {
		k.emitter.Emit(events.Event{Kind: events.KindReceive, Severity: events.Info, Iteration: k.iteration, Message: string(k.buf[:n])})
	}

	now := k.now()
	payload := k.policy.Payload(now.UTC(), k.iteration)
	if err := k.conn.Write([]byte(payload), now.Add(k.policy.IOTimeout)); err != nil {
		k.fail(ctx, events.KindSend, err)
		return err
	}
	k.emitter.Emit(events.Event{Kind: events.KindSend, Severity: events.Info, Iteration: k.iteration, Message: payload})

	k.errors = 0
	k.stats.RecordExchange(k.now())
	k.emitter.Emit(events.Event{Kind: events.KindExchange, Severity: events.Debug, Iteration: k.iteration, Message: "Exchanged"})
	return nil
}

// disconnected reports errors after which the connection cannot carry
// another round.
func disconnected(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, connection.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func (k *KeepAlive) fail(ctx context.Context, kind events.Kind, err error) {
	if ctx.Err() != nil {
		// the socket was closed under us by cancellation
		return
	}

	k.errors++
	k.stats.RecordFailure(k.now())
	k.emitter.Emit(events.Event{
		Kind:      kind,
		Severity:  events.Warn,
		Iteration: k.iteration,
		Message:   fmt.Sprintf("Failed (%d/%d)", k.errors, k.policy.MaxErrors),
		Err:       err,
	})
}

func (k *KeepAlive) idle(ctx context.Context) {
	t := time.NewTimer(k.policy.Interval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (k *KeepAlive) close() {
	err := k.conn.Close()
	k.stats.Finalize(k.now())

	e := events.Event{Kind: events.KindClose, Severity: events.Info, Iteration: k.iteration, Message: "Closed"}
	if err != nil {
		e.Severity = events.Warn
		e.Err = err
	}
	k.emitter.Emit(e)
	k.state.Store(int32(Closed))
}

func (k *KeepAlive) result(state State) Result {
	return Result{
		ID:         k.id,
		State:      state,
		Iterations: k.iteration,
		Errors:     k.errors,
		Statistics: k.stats,
	}
}
