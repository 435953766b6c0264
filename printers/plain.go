package printers

import (
	"fmt"
	"sync"

	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/statistics"
	"github.com/znamenap/connmon/tracert"
)

// PlainPrinter prints events as plain text lines.
type PlainPrinter struct {
	mu  sync.Mutex
	opt options
}

type PlainPrinterOption = option.Option[PlainPrinter]

func (p *PlainPrinter) options() *options {
	return &p.opt
}

// NewPlainPrinter creates a new PlainPrinter writing to stdout.
func NewPlainPrinter(opts ...PlainPrinterOption) *PlainPrinter {
	p := &PlainPrinter{opt: defaultOptions()}
	option.Apply(p, opts...)
	return p
}

// PrintStart prints the banner.
func (p *PlainPrinter) PrintStart(b Banner) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.opt.out, b.Title())
	for _, l := range b.Details() {
		fmt.Fprintln(p.opt.out, l)
	}
}

// Emit prints one event line. Warnings and errors go to the error output.
func (p *PlainPrinter) Emit(e events.Event) {
	if p.opt.skip(e) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.opt.out
	if e.Severity >= events.Error {
		w = p.opt.errOut
	}
	fmt.Fprintln(w, p.opt.line(e))
}

// PrintStatistics prints the summary of a finished session.
func (p *PlainPrinter) PrintStatistics(s *statistics.Statistics) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.opt.out, "\n--- %s statistics ---\n", s.Remote)
	for _, r := range statRows(s) {
		fmt.Fprintf(p.opt.out, "%s: %s\n", r.Metric, r.Value)
	}
}

// PrintHop prints one traceroute hop.
func (p *PlainPrinter) PrintHop(h tracert.Hop) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.opt.out, HopLine(h))
}

// PrintError prints an error message to the error output.
func (p *PlainPrinter) PrintError(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.opt.errOut, format+"\n", args...)
}

// Done satisfies the printer interface; there is nothing to flush.
func (p *PlainPrinter) Done() {}
