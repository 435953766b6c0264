// Package testdata provides shared test helpers and fixtures.
package testdata

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/printers"
	"github.com/znamenap/connmon/statistics"
	"github.com/znamenap/connmon/tracert"
)

// Common test fixture values
const (
	TestSession = "3f2a9c1e-5b7d-4e8f-9a0b-1c2d3e4f5a6b"
	TestLocal   = "127.000.000.001:50312"
	TestRemote  = "127.000.000.001:3859 "
)

var (
	TestTimestamp  = time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)
	TestTimestamp2 = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	TestHopAddr    = netip.MustParseAddr("192.168.1.1")
	TestTarget     = netip.MustParseAddr("10.0.0.1")
)

// ToPtr returns a pointer to the provided value.
func ToPtr[T any](v T) *T {
	return &v
}

// ReceiveEvent is a successful pong.
func ReceiveEvent() events.Event {
	return events.Event{
		Time:      TestTimestamp,
		Kind:      events.KindReceive,
		Severity:  events.Info,
		Session:   TestSession,
		Local:     TestLocal,
		Remote:    TestRemote,
		Message:   "pong",
		Iteration: 3,
		RTT:       1500 * time.Microsecond,
	}
}

// FailedSendEvent is a ping that could not be written.
func FailedSendEvent() events.Event {
	return events.Event{
		Time:     TestTimestamp,
		Kind:     events.KindSend,
		Severity: events.Warn,
		Session:  TestSession,
		Local:    TestLocal,
		Remote:   TestRemote,
		Message:  "Failed (1/5)",
		Err:      errors.New("broken pipe"),
	}
}

// Statistics returns a finished session with successes, a failure and RTT samples.
func Statistics() *statistics.Statistics {
	s := statistics.New(TestSession, statistics.Outgoing, TestLocal, TestRemote, TestTimestamp)
	s.RecordSuccess(TestTimestamp.Add(2*time.Second), 2*time.Millisecond)
	s.RecordSuccess(TestTimestamp.Add(4*time.Second), 4*time.Millisecond)
	s.RecordFailure(TestTimestamp.Add(6 * time.Second))
	s.Finalize(TestTimestamp.Add(8 * time.Second))
	return s
}

// Hop returns an intermediate router answer.
func Hop() tracert.Hop {
	return tracert.Hop{
		TTL:    3,
		Status: tracert.TtlExpired,
		Target: TestTarget,
		Addr:   TestHopAddr,
		RTT:    12345 * time.Microsecond,
	}
}

// Banner returns a fixed start banner.
func Banner() printers.Banner {
	return printers.Banner{
		Version:     "1.2.3",
		Mode:        "outgoing",
		Endpoint:    "127.0.0.1:3859",
		OS:          "linux",
		Arch:        "amd64",
		CommandLine: "connmon outgoing -a 127.0.0.1",
		WorkDir:     "/tmp",
		Started:     TestTimestamp,
	}
}

// DecodeJSONLines parses every JSON object written to buf.
func DecodeJSONLines(t *testing.T, buf *bytes.Buffer) []printers.JSONData {
	t.Helper()

	var out []printers.JSONData
	dec := json.NewDecoder(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	for dec.More() {
		var data printers.JSONData
		if err := dec.Decode(&data); err != nil {
			t.Fatalf("parse JSON: %v\nOutput: %s", err, buf.String())
		}
		out = append(out, data)
	}

	return out
}
