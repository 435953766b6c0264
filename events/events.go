// Package events defines the semantic log events emitted by the monitoring
// engine and the Sink interface that consumes them.
//
// The engine never formats output itself. Every accept, dial, send, receive,
// timeout, bail-out, drop and close is described by one Event, and whatever
// Sink was handed to the engine decides how (and whether) to render it.
package events

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Severity orders events by importance.
type Severity int

const (
	Debug Severity = iota
	Info
	Warn
	Error
)

var ErrUnknownSeverity = errors.New("unknown severity")

func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// ParseSeverity converts a level name such as "info" or "WARN" to a Severity.
func ParseSeverity(level string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	}

	return Info, fmt.Errorf("%w: %q", ErrUnknownSeverity, level)
}

// Kind identifies what happened.
type Kind string

const (
	KindStart    Kind = "start"    // application or session started
	KindListen   Kind = "listen"   // listener bound
	KindAccept   Kind = "accept"   // inbound connection accepted
	KindDial     Kind = "dial"     // outbound connection attempt, Err set on failure
	KindConnect  Kind = "connect"  // outbound connection established
	KindSend     Kind = "send"     // ping written, Err set on failure
	KindReceive  Kind = "receive"  // pong read, Err set on failure
	KindTimeout  Kind = "timeout"  // nothing received within the round
	KindExchange Kind = "exchange" // echo round answered
	KindBailOut  Kind = "bailout"  // error budget exhausted
	KindDrop     Kind = "drop"     // accepted connection abandoned by backpressure
	KindClose    Kind = "close"    // connection closed
	KindError    Kind = "error"    // anything else that went wrong
	KindInfo     Kind = "info"
)

// Tag returns the fixed-width prefix used in line oriented output.
func (k Kind) Tag() string {
	switch k {
	case KindListen:
		return "LSTN"
	case KindAccept, KindDial, KindConnect:
		return "CONN"
	case KindSend:
		return "SEND"
	case KindReceive:
		return "RECV"
	case KindTimeout:
		return " EXP"
	case KindExchange:
		return "ECHO"
	case KindBailOut:
		return "BAIL"
	case KindDrop:
		return "DROP"
	case KindClose:
		return "CLSE"
	case KindError:
		return "FAIL"
	default:
		return "INFO"
	}
}

// inbound reports whether data flows from the remote endpoint to the local one.
func (k Kind) inbound() bool {
	return k == KindReceive || k == KindTimeout || k == KindAccept
}

// Event is one structured log record.
type Event struct {
	Time      time.Time
	Kind      Kind
	Severity  Severity
	Session   string // empty for monitor level events
	Local     string
	Remote    string
	Message   string
	Iteration int
	RTT       time.Duration
	Err       error
}

// Failed reports whether the event describes a failed operation.
func (e Event) Failed() bool {
	return e.Err != nil
}

// Line renders the event the way the line oriented printers show it, e.g.
//
//	SEND: 127.000.000.001:50312 -> 127.000.000.001:3859  : 2024-01-01T00:00:00.0000000Z
func (e Event) Line() string {
	var b strings.Builder

	b.WriteString(e.Kind.Tag())
	b.WriteString(":")

	if e.Local != "" || e.Remote != "" {
		from, to, arrow := e.Local, e.Remote, " -> "
		if e.Kind.inbound() {
			if e.Kind == KindAccept {
				arrow = " <- "
			} else {
				from, to = e.Remote, e.Local
			}
		}
		b.WriteString(" ")
		b.WriteString(from)
		b.WriteString(arrow)
		b.WriteString(to)
		b.WriteString(" :")
	}

	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}

	if e.Err != nil {
		b.WriteString(" : ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Sink consumes events. Implementations must be safe for concurrent use,
// since every session goroutine emits into the same sink.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type multiSink []Sink

func (m multiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans every event out to all non-nil sinks.
func Multi(sinks ...Sink) Sink {
	var m multiSink
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}

	if len(m) == 1 {
		return m[0]
	}
	return m
}

type filterSink struct {
	min  Severity
	next Sink
}

func (f filterSink) Emit(e Event) {
	if e.Severity >= f.min {
		f.next.Emit(e)
	}
}

// Filter forwards only events at or above min.
func Filter(next Sink, min Severity) Sink {
	return filterSink{min: min, next: next}
}

// Emitter stamps events with a session id and endpoints before handing them
// to a sink. The zero value discards everything.
type Emitter struct {
	Sink    Sink
	Session string
	Local   string
	Remote  string
	Now     func() time.Time
}

// Emit fills in the fields that are common to one emitter and forwards e.
func (em Emitter) Emit(e Event) {
	if em.Sink == nil {
		return
	}

	if e.Time.IsZero() {
		if em.Now != nil {
			e.Time = em.Now()
		} else {
			e.Time = time.Now()
		}
	}
	if e.Session == "" {
		e.Session = em.Session
	}
	if e.Local == "" {
		e.Local = em.Local
	}
	if e.Remote == "" {
		e.Remote = em.Remote
	}

	em.Sink.Emit(e)
}

// Logf emits a message without endpoint decoration.
func (em Emitter) Logf(sev Severity, kind Kind, format string, args ...any) {
	em.Emit(Event{Kind: kind, Severity: sev, Message: fmt.Sprintf(format, args...)})
}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events match kind.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n events of kind were recorded or timeout
// elapses, and reports whether the count was reached.
func (r *Recorder) WaitFor(kind Kind, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if r.Count(kind) >= n {
			return true
		}

		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Count(kind) >= n
		}
	}
}
