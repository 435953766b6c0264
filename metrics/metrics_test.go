package metrics_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/metrics"
	"github.com/znamenap/connmon/session"
)

func TestCollectorCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	for _, e := range []events.Event{
		{Kind: events.KindAccept},
		{Kind: events.KindAccept},
		{Kind: events.KindDrop, Err: errors.New("queue full")},
		{Kind: events.KindDial, Message: "InProgress"},
		{Kind: events.KindDial, Err: errors.New("refused")},
		{Kind: events.KindStart, Session: "a"},
		{Kind: events.KindStart, Session: "b"},
		{Kind: events.KindSend, Session: "a"},
		{Kind: events.KindReceive, Session: "a", RTT: 3 * time.Millisecond},
		{Kind: events.KindSend, Session: "a", Err: errors.New("broken pipe")},
		{Kind: events.KindTimeout, Session: "b"},
		{Kind: events.KindBailOut, Session: "a"},
		{Kind: events.KindClose, Session: "a"},
		{Kind: events.KindClose, Message: "Listener closed"},
	} {
		c.Emit(e)
	}

	expected := `
# HELP connmon_round_trips_total Ping rounds by result
# TYPE connmon_round_trips_total counter
connmon_round_trips_total{result="failure"} 1
connmon_round_trips_total{result="success"} 1
connmon_round_trips_total{result="timeout"} 1
# HELP connmon_active_sessions Sessions currently running
# TYPE connmon_active_sessions gauge
connmon_active_sessions 1
# HELP connmon_connections_accepted_total Inbound connections accepted
# TYPE connmon_connections_accepted_total counter
connmon_connections_accepted_total 2
# HELP connmon_connections_dropped_total Accepted connections closed because the hand-off queue was full
# TYPE connmon_connections_dropped_total counter
connmon_connections_dropped_total 1
# HELP connmon_dial_failures_total Outbound connection attempts that failed
# TYPE connmon_dial_failures_total counter
connmon_dial_failures_total 1
# HELP connmon_session_bailouts_total Sessions ended after too many consecutive errors
# TYPE connmon_session_bailouts_total counter
connmon_session_bailouts_total 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"connmon_round_trips_total",
		"connmon_active_sessions",
		"connmon_connections_accepted_total",
		"connmon_connections_dropped_total",
		"connmon_dial_failures_total",
		"connmon_session_bailouts_total")
	assert.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "connmon_round_trip_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// quietPeer accepts every write and never has anything to read.
type quietPeer struct {
	mu     sync.Mutex
	closed bool
}

func (q *quietPeer) Read([]byte, time.Time) (int, error) { return 0, nil }
func (q *quietPeer) Write([]byte, time.Time) error       { return nil }
func (q *quietPeer) LocalEndpoint() string               { return "127.000.000.001:03859" }
func (q *quietPeer) RemoteEndpoint() string              { return "127.000.000.001:50000" }

func (q *quietPeer) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *quietPeer) IsOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

func TestCollectorCountsEchoRounds(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := events.NewRecorder()
	sink := events.Multi(metrics.NewCollector(reg), rec)

	p := session.FailFastPolicy()
	p.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ka := session.New(&quietPeer{}, session.WithPolicy(p), session.WithSink(sink))
	done := make(chan session.Result, 1)
	go func() {
		res, _ := ka.Run(ctx)
		done <- res
	}()

	require.True(t, rec.WaitFor(events.KindExchange, 5, 2*time.Second))
	cancel()
	res := <-done

	exchanges := rec.Count(events.KindExchange)
	assert.Equal(t, float64(exchanges), roundTrips(t, reg, "success"))
	assert.Equal(t, res.Statistics.Successful, uint(exchanges))
}

// roundTrips reads one labelled round trip counter back from reg.
func roundTrips(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "connmon_round_trips_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}

	t.Fatalf("no round trip series with result=%q", result)
	return 0
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	c.Emit(events.Event{Kind: events.KindAccept})

	rr := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "connmon_connections_accepted_total 1")
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- metrics.Serve(ctx, addr, "", reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + metrics.DefaultPath)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "connmon_active_sessions 0")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeListenError(t *testing.T) {
	err := metrics.Serve(t.Context(), "256.0.0.1:0", "", prometheus.NewRegistry())
	assert.Error(t, err)
}
