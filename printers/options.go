package printers

import (
	"io"
	"os"
	"time"

	"github.com/znamenap/connmon/events"
)

// options contains common display options shared by all printers
type options struct {
	ShowTimestamp    bool
	ShowSessionID    bool
	ShowFailuresOnly bool

	out    io.Writer
	errOut io.Writer
}

func defaultOptions() options {
	return options{out: os.Stdout, errOut: os.Stderr}
}

type hasOptions interface {
	options() *options
}

// WithTimestamp enables timestamp display in printer output
func WithTimestamp[T hasOptions]() func(T) {
	return func(p T) {
		p.options().ShowTimestamp = true
	}
}

// WithSessionID prefixes every session event with the session identifier
func WithSessionID[T hasOptions]() func(T) {
	return func(p T) {
		p.options().ShowSessionID = true
	}
}

// WithFailuresOnly configures the printer to only show warnings and errors
func WithFailuresOnly[T hasOptions]() func(T) {
	return func(p T) {
		p.options().ShowFailuresOnly = true
	}
}

// WithOutput redirects regular output, stdout by default.
func WithOutput[T hasOptions](w io.Writer) func(T) {
	return func(p T) {
		p.options().out = w
	}
}

// WithErrorOutput redirects error output, stderr by default.
func WithErrorOutput[T hasOptions](w io.Writer) func(T) {
	return func(p T) {
		p.options().errOut = w
	}
}

// skip reports whether e is filtered out by the failures-only option.
func (o *options) skip(e events.Event) bool {
	return o.ShowFailuresOnly && e.Severity < events.Warn && !e.Failed()
}

// line renders e with the optional timestamp and session prefixes.
func (o *options) line(e events.Event) string {
	text := e.Line()

	if o.ShowSessionID && e.Session != "" {
		text = "[" + shortID(e.Session) + "] " + text
	}

	if o.ShowTimestamp {
		at := e.Time
		if at.IsZero() {
			at = time.Now()
		}
		text = at.Format(timeFormat) + " " + text
	}

	return text
}

const timeFormat = "2006-01-02 15:04:05.000"

// shortID keeps log lines narrow; uuids are unique enough in their first block.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
