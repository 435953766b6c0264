package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/znamenap/connmon/connection"
	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/session"
	"github.com/znamenap/connmon/statistics"
)

var errBroken = errors.New("broken pipe")

// fakeConn plays back scripted write errors and read payloads. Once a script
// runs out, writes succeed and reads return nothing.
type fakeConn struct {
	mu        sync.Mutex
	open      bool
	closes    int
	writeErrs []error
	reads     []string
	readErrs  []error
	writes    []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{open: true}
}

func (f *fakeConn) Read(buf []byte, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return 0, connection.ErrClosed
	}
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(f.reads) == 0 {
		return 0, nil
	}
	n := copy(buf, f.reads[0])
	f.reads = f.reads[1:]
	return n, nil
}

func (f *fakeConn) Write(b []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return connection.ErrClosed
	}
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	f.writes = append(f.writes, string(b))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closes++
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) LocalEndpoint() string  { return "127.000.000.001:50000" }
func (f *fakeConn) RemoteEndpoint() string { return "127.000.000.001:3859 " }

func (f *fakeConn) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func fastPolicy(p session.Policy) session.Policy {
	p.Interval = time.Millisecond
	p.IOTimeout = 50 * time.Millisecond
	return p
}

func TestPayloads(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "2024-01-01T00:00:00.0000000Z", session.TimestampPayload(at, 7))
	assert.Equal(t, "{UtcDateTime:'2024-01-01T00:00:00.0000000Z', Iteration:1},", session.IterationPayload(at, 1))

	local := at.In(time.FixedZone("CET", 3600))
	assert.Equal(t, "2024-01-01T00:00:00.0000000Z", session.TimestampPayload(local, 1))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Running", session.Running.String())
	assert.Equal(t, "BailedOut", session.BailedOut.String())
	assert.Equal(t, "Failed", session.Failed.String())
	assert.Equal(t, "State(9)", session.State(9).String())
}

func TestBailOutAfterMaxErrors(t *testing.T) {
	conn := newFakeConn()
	conn.writeErrs = []error{errBroken, errBroken, errBroken, errBroken, errBroken, errBroken}
	rec := events.NewRecorder()

	ka := session.New(conn,
		session.WithPolicy(fastPolicy(session.RetryPolicy())),
		session.WithSink(rec),
		session.WithID("s1"))

	res, err := ka.Run(t.Context())
	require.ErrorIs(t, err, session.ErrBailedOut)

	assert.Equal(t, session.BailedOut, res.State)
	assert.Equal(t, session.DefaultMaxErrors, res.Errors)
	assert.Equal(t, session.DefaultMaxErrors, res.Iterations)
	assert.Equal(t, "s1", res.ID)
	assert.Equal(t, session.Closed, ka.State())

	assert.False(t, conn.IsOpen())
	assert.Equal(t, 1, rec.Count(events.KindBailOut))
	assert.Equal(t, 1, rec.Count(events.KindClose))
	assert.Equal(t, 5, rec.Count(events.KindSend))

	require.NotNil(t, res.Statistics)
	assert.True(t, res.Statistics.BailedOut)
	assert.Equal(t, uint(5), res.Statistics.Failed)
	assert.False(t, res.Statistics.EndTime.IsZero())
}

func TestSuccessResetsErrorCount(t *testing.T) {
	conn := newFakeConn()
	conn.writeErrs = []error{errBroken, errBroken, errBroken, errBroken, nil, errBroken, errBroken, errBroken, errBroken, errBroken}
	conn.reads = []string{"pong"}
	rec := events.NewRecorder()

	ka := session.New(conn,
		session.WithPolicy(fastPolicy(session.RetryPolicy())),
		session.WithSink(rec))

	res, err := ka.Run(t.Context())
	require.ErrorIs(t, err, session.ErrBailedOut)

	assert.Equal(t, 10, res.Iterations)
	assert.Equal(t, 5, res.Errors)
	assert.Equal(t, uint(1), res.Statistics.Successful)
	assert.Equal(t, 1, rec.Count(events.KindReceive))
}

func TestTimeoutIsNotAnError(t *testing.T) {
	conn := newFakeConn()
	rec := events.NewRecorder()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ka := session.New(conn,
		session.WithPolicy(fastPolicy(session.RetryPolicy())),
		session.WithSink(rec))

	done := make(chan error, 1)
	var res session.Result
	go func() {
		var err error
		res, err = ka.Run(ctx)
		done <- err
	}()

	require.True(t, rec.WaitFor(events.KindTimeout, 6, 2*time.Second))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after cancellation")
	}

	assert.Equal(t, session.Closing, res.State)
	assert.Zero(t, res.Errors)
	assert.Zero(t, rec.Count(events.KindBailOut))
	for _, e := range rec.Events() {
		if e.Kind == events.KindTimeout {
			assert.Equal(t, events.Warn, e.Severity)
		}
	}
}

func TestReceiveFailureCounts(t *testing.T) {
	conn := newFakeConn()
	conn.readErrs = []error{errBroken, errBroken, errBroken, errBroken, errBroken}
	rec := events.NewRecorder()

	ka := session.New(conn,
		session.WithPolicy(fastPolicy(session.RetryPolicy())),
		session.WithSink(rec))

	_, err := ka.Run(t.Context())
	require.ErrorIs(t, err, session.ErrBailedOut)

	failed := 0
	for _, e := range rec.Events() {
		if e.Kind == events.KindReceive && e.Failed() {
			failed++
			assert.ErrorIs(t, e.Err, errBroken)
		}
	}
	assert.Equal(t, 5, failed)
}

func TestFailFastExitsOnFirstError(t *testing.T) {
	conn := newFakeConn()
	conn.readErrs = []error{errBroken}
	rec := events.NewRecorder()

	ka := session.New(conn,
		session.WithPolicy(fastPolicy(session.FailFastPolicy())),
		session.WithSink(rec))

	res, err := ka.Run(t.Context())
	require.ErrorIs(t, err, session.ErrConnectionFailed)
	assert.ErrorIs(t, err, errBroken)

	assert.Equal(t, session.Failed, res.State)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.Errors)
	assert.False(t, conn.IsOpen())
	assert.Empty(t, conn.written())
}

func TestRetryEndsOnDisconnect(t *testing.T) {
	tests := []struct {
		name      string
		writeErrs []error
		readErrs  []error
	}{
		{name: "peer shutdown", readErrs: []error{fmt.Errorf("read 127.000.000.001:3859 : %w", io.EOF)}},
		{name: "connection reset", readErrs: []error{&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}}},
		{name: "socket closed", writeErrs: []error{fmt.Errorf("write 127.000.000.001:3859 : %w", connection.ErrClosed)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			conn.writeErrs = tt.writeErrs
			conn.readErrs = tt.readErrs
			rec := events.NewRecorder()

			// a long idle would show up as a hang if the session kept retrying
			p := session.RetryPolicy()
			p.Interval = time.Hour

			ka := session.New(conn, session.WithPolicy(p), session.WithSink(rec))

			done := make(chan struct{})
			var res session.Result
			var err error
			go func() {
				defer close(done)
				res, err = ka.Run(t.Context())
			}()

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("session kept running on a dead connection")
			}

			require.ErrorIs(t, err, session.ErrConnectionFailed)
			assert.Equal(t, session.Failed, res.State)
			assert.Equal(t, 1, res.Iterations)
			assert.Equal(t, 1, res.Errors)
			assert.Zero(t, rec.Count(events.KindBailOut))
			assert.Equal(t, 1, rec.Count(events.KindClose))
		})
	}
}

func TestFailFastCountsExchanges(t *testing.T) {
	conn := newFakeConn()
	rec := events.NewRecorder()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ka := session.New(conn,
		session.WithPolicy(fastPolicy(session.FailFastPolicy())),
		session.WithSink(rec))

	done := make(chan error, 1)
	go func() {
		_, err := ka.Run(ctx)
		done <- err
	}()

	require.True(t, rec.WaitFor(events.KindExchange, 3, 2*time.Second))
	cancel()
	require.NoError(t, <-done)

	for _, e := range rec.Events() {
		if e.Kind == events.KindExchange {
			assert.Equal(t, events.Debug, e.Severity)
			assert.Equal(t, ka.ID(), e.Session)
		}
	}
}

func TestFailFastEchoesTimestamps(t *testing.T) {
	conn := newFakeConn()
	conn.reads = []string{"{UtcDateTime:'2024-01-01T00:00:00.0000000Z', Iteration:1},"}
	rec := events.NewRecorder()
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ka := session.New(conn,
		session.WithPolicy(fastPolicy(session.FailFastPolicy())),
		session.WithSink(rec),
		session.WithClock(func() time.Time { return fixed }),
		session.WithDirection(statistics.Incoming))

	done := make(chan error, 1)
	go func() {
		_, err := ka.Run(ctx)
		done <- err
	}()

	require.True(t, rec.WaitFor(events.KindSend, 3, 2*time.Second))
	cancel()
	require.NoError(t, <-done)

	writes := conn.written()
	require.GreaterOrEqual(t, len(writes), 3)
	assert.Equal(t, "2024-05-06T07:08:09.0000000Z", writes[0])

	// reading nothing is silent on this side
	assert.Zero(t, rec.Count(events.KindTimeout))
	assert.Equal(t, 1, rec.Count(events.KindReceive))
}

func TestNotConnected(t *testing.T) {
	conn := newFakeConn()
	conn.open = false

	res, err := session.New(conn).Run(t.Context())
	assert.ErrorIs(t, err, session.ErrNotConnected)
	assert.Equal(t, session.Closed, res.State)
}

func TestCancelDuringIdle(t *testing.T) {
	conn := newFakeConn()
	conn.reads = []string{"pong"}
	rec := events.NewRecorder()
	ctx, cancel := context.WithCancel(t.Context())

	p := session.RetryPolicy()
	p.Interval = time.Hour

	ka := session.New(conn, session.WithPolicy(p), session.WithSink(rec))

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := ka.Run(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, res.Iterations)
	}()

	require.True(t, rec.WaitFor(events.KindReceive, 1, time.Second))
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle was not interrupted")
	}
	assert.Equal(t, 1, rec.Count(events.KindClose))
	assert.False(t, conn.IsOpen())
}

func TestLoopbackRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *connection.Connection, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		c, err := connection.FromConn(raw.(*net.TCPConn), time.Now())
		if err != nil {
			raw.Close()
			return
		}
		accepted <- c
	}()

	client, err := connection.Dial(t.Context(), ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	serverEvents := events.NewRecorder()
	clientEvents := events.NewRecorder()

	p := session.FailFastPolicy()
	p.Interval = 20 * time.Millisecond
	serverSession := session.New(server, session.WithPolicy(p), session.WithSink(serverEvents))

	c := session.RetryPolicy()
	c.Interval = 20 * time.Millisecond
	c.IOTimeout = time.Second
	clientSession := session.New(client, session.WithPolicy(c), session.WithSink(clientEvents))

	var wg sync.WaitGroup
	var serverErr, clientErr error
	var clientRes session.Result
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, serverErr = serverSession.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		clientRes, clientErr = clientSession.Run(ctx)
	}()

	require.True(t, clientEvents.WaitFor(events.KindReceive, 3, 5*time.Second))
	require.True(t, serverEvents.WaitFor(events.KindReceive, 1, 5*time.Second))
	cancel()
	wg.Wait()

	assert.NoError(t, serverErr)
	assert.NoError(t, clientErr)
	assert.Zero(t, clientRes.Errors)
	assert.GreaterOrEqual(t, clientRes.Statistics.Successful, uint(3))
	assert.True(t, clientRes.Statistics.RTTResults.HasResults)

	for _, e := range serverEvents.Events() {
		if e.Kind == events.KindReceive {
			assert.Contains(t, e.Message, "{UtcDateTime:'")
		}
	}
}
