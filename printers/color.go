package printers

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gookit/color"

	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/statistics"
	"github.com/znamenap/connmon/tracert"
)

// ColorPrinter prints events colored by kind and severity.
type ColorPrinter struct {
	mu  sync.Mutex
	opt options
}

type ColorPrinterOption = option.Option[ColorPrinter]

func (p *ColorPrinter) options() *options {
	return &p.opt
}

// NewColorPrinter creates a new ColorPrinter writing to stdout.
func NewColorPrinter(opts ...ColorPrinterOption) *ColorPrinter {
	p := &ColorPrinter{opt: defaultOptions()}
	option.Apply(p, opts...)
	return p
}

func cprintf(w io.Writer, c color.Color, format string, args ...any) {
	fmt.Fprint(w, c.Sprintf(format, args...))
}

// colorOf picks the color of an event line.
func colorOf(e events.Event) color.Color {
	switch {
	case e.Severity >= events.Error:
		return color.Red
	case e.Severity == events.Warn || e.Failed():
		return color.Yellow
	case e.Severity == events.Debug:
		return color.Gray
	}

	switch e.Kind {
	case events.KindReceive:
		return color.LightGreen
	case events.KindSend:
		return color.Green
	case events.KindListen, events.KindAccept, events.KindConnect, events.KindDial:
		return color.LightCyan
	case events.KindClose:
		return color.LightBlue
	default:
		return color.Normal
	}
}

// PrintStart prints the banner in light cyan.
func (p *ColorPrinter) PrintStart(b Banner) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cprintf(p.opt.out, color.LightCyan, "%s\n", b.Title())
	for _, l := range b.Details() {
		cprintf(p.opt.out, color.Cyan, "%s\n", l)
	}
}

// Emit prints one event line.
func (p *ColorPrinter) Emit(e events.Event) {
	if p.opt.skip(e) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.opt.out
	if e.Severity >= events.Error {
		w = p.opt.errOut
	}
	cprintf(w, colorOf(e), "%s\n", p.opt.line(e))
}

// PrintHop prints one traceroute hop, red when nothing answered.
func (p *ColorPrinter) PrintHop(h tracert.Hop) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := color.LightGreen
	switch h.Status {
	case tracert.TimedOut, tracert.DestinationUnreachable:
		c = color.Red
	case tracert.TtlExpired:
		c = color.LightCyan
	}
	cprintf(p.opt.out, c, "%s\n", HopLine(h))
}

// PrintError prints an error message in red.
func (p *ColorPrinter) PrintError(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cprintf(p.opt.errOut, color.Red, format+"\n", args...)
}

// PrintStatistics prints a summary of a finished session.
func (p *ColorPrinter) PrintStatistics(s *statistics.Statistics) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.opt.out

	cprintf(w, color.Yellow, "\n--- %s %s session statistics ---\n", s.Remote, s.Direction)
	cprintf(w, color.Yellow, "session: %s\n", s.SessionID)

	cprintf(w, color.Yellow, "%d rounds | %d successful, ", s.Total(), s.Successful)
	loss := s.PacketLoss()
	switch {
	case loss == 0:
		cprintf(w, color.Green, "%.2f%%", loss)
	case loss <= 30:
		cprintf(w, color.LightYellow, "%.2f%%", loss)
	default:
		cprintf(w, color.Red, "%.2f%%", loss)
	}
	cprintf(w, color.Yellow, " loss\n")

	cprintf(w, color.Yellow, "failed rounds:    ")
	cprintf(w, color.Red, "%d\n", s.Failed)
	cprintf(w, color.Yellow, "timed out rounds: ")
	cprintf(w, color.LightYellow, "%d\n", s.Timeouts)

	cprintf(w, color.Yellow, "last successful round:   ")
	if s.LastSuccessfulRound.IsZero() {
		cprintf(w, color.Red, "Never succeeded\n")
	} else {
		cprintf(w, color.Green, "%v\n", s.LastSuccessfulRound.Format(time.DateTime))
	}

	cprintf(w, color.Yellow, "last unsuccessful round: ")
	if s.LastUnsuccessfulRound.IsZero() {
		cprintf(w, color.Green, "Never failed\n")
	} else {
		cprintf(w, color.Red, "%v\n", s.LastUnsuccessfulRound.Format(time.DateTime))
	}

	cprintf(w, color.Yellow, "total uptime:   ")
	cprintf(w, color.Green, "%s\n", statistics.DurationToString(s.TotalUptime))
	cprintf(w, color.Yellow, "total downtime: ")
	cprintf(w, color.Red, "%s\n", statistics.DurationToString(s.TotalDowntime))

	if s.LongestUp.Duration != 0 {
		cprintf(w, color.Yellow, "longest consecutive uptime:   ")
		cprintf(w, color.Green, "%v ", statistics.DurationToString(s.LongestUp.Duration))
		cprintf(w, color.Yellow, "from ")
		cprintf(w, color.LightBlue, "%v ", s.LongestUp.Start.Format(time.DateTime))
		cprintf(w, color.Yellow, "to ")
		cprintf(w, color.LightBlue, "%v\n", s.LongestUp.End.Format(time.DateTime))
	}

	if s.LongestDown.Duration != 0 {
		cprintf(w, color.Yellow, "longest consecutive downtime: ")
		cprintf(w, color.Red, "%v ", statistics.DurationToString(s.LongestDown.Duration))
		cprintf(w, color.Yellow, "from ")
		cprintf(w, color.LightBlue, "%v ", s.LongestDown.Start.Format(time.DateTime))
		cprintf(w, color.Yellow, "to ")
		cprintf(w, color.LightBlue, "%v\n", s.LongestDown.End.Format(time.DateTime))
	}

	if s.RTTResults.HasResults {
		cprintf(w, color.Yellow, "rtt ")
		cprintf(w, color.Green, "min")
		cprintf(w, color.Yellow, "/")
		cprintf(w, color.Cyan, "avg")
		cprintf(w, color.Yellow, "/")
		cprintf(w, color.Red, "max: ")
		cprintf(w, color.Green, "%.3f", s.RTTResults.Min)
		cprintf(w, color.Yellow, "/")
		cprintf(w, color.Cyan, "%.3f", s.RTTResults.Average)
		cprintf(w, color.Yellow, "/")
		cprintf(w, color.Red, "%.3f", s.RTTResults.Max)
		cprintf(w, color.Yellow, " ms\n")
	}

	if s.BailedOut {
		cprintf(w, color.Red, "session bailed out\n")
	}

	cprintf(w, color.Yellow, "--------------------------------------\n")
	cprintf(w, color.Yellow, "session started at: %v\n", s.StartTimeFormatted())
	if !s.EndTime.IsZero() {
		cprintf(w, color.Yellow, "session ended at:   %v\n", s.EndTimeFormatted())
	}

	durationTime := time.Time{}.Add(s.Duration())
	cprintf(w, color.Yellow, "duration (HH:MM:SS): %v\n\n", durationTime.Format(time.TimeOnly))
}

// Done satisfies the printer interface; there is nothing to flush.
func (p *ColorPrinter) Done() {}
