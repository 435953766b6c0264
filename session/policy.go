package session

import (
	"fmt"
	"time"
)

const (
	DefaultMaxErrors = 5
	DefaultInterval  = 2 * time.Second
	DefaultIOTimeout = 2 * time.Second
	// BufferSize bounds a single receive.
	BufferSize = 1024

	timestampLayout = "2006-01-02T15:04:05.0000000Z07:00"
)

// Payload renders the ping sent in round iteration.
type Payload func(now time.Time, iteration int) string

// TimestampPayload sends the bare UTC timestamp.
func TimestampPayload(now time.Time, _ int) string {
	return now.UTC().Format(timestampLayout)
}

// IterationPayload sends the UTC timestamp together with the round number,
// e.g. {UtcDateTime:'2024-01-01T00:00:00.0000000Z', Iteration:1},
func IterationPayload(now time.Time, iteration int) string {
	return fmt.Sprintf("{UtcDateTime:'%s', Iteration:%d},", TimestampPayload(now, iteration), iteration)
}

// Policy controls how a session reacts to transport failures.
type Policy struct {
	// FailFastOnIOError ends the session on the first send or receive error.
	// Rounds then receive before they send, and reading nothing is not
	// reported.
	FailFastOnIOError bool
	// MaxErrors is the number of consecutive failed rounds that ends the
	// session.
	MaxErrors int
	// Interval is the idle time between rounds.
	Interval time.Duration
	// IOTimeout bounds each send and receive.
	IOTimeout time.Duration
	Payload   Payload
}

// RetryPolicy is used by sessions that dial out: failures are counted and
// the session only ends after MaxErrors of them in a row.
func RetryPolicy() Policy {
	return Policy{
		MaxErrors: DefaultMaxErrors,
		Interval:  DefaultInterval,
		IOTimeout: DefaultIOTimeout,
		Payload:   IterationPayload,
	}
}

// FailFastPolicy is used by accepted sessions that echo timestamps back to
// the peer.
func FailFastPolicy() Policy {
	return Policy{
		FailFastOnIOError: true,
		MaxErrors:         DefaultMaxErrors,
		Interval:          DefaultInterval,
		IOTimeout:         DefaultIOTimeout,
		Payload:           TimestampPayload,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxErrors <= 0 {
		p.MaxErrors = DefaultMaxErrors
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.IOTimeout <= 0 {
		p.IOTimeout = DefaultIOTimeout
	}
	if p.Payload == nil {
		p.Payload = TimestampPayload
	}
	return p
}
