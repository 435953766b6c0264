// Package connmon ties the monitoring engine to its output: every printer is
// an event sink that also renders the start banner, session statistics and
// traceroute hops.
package connmon

import (
	"errors"

	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/printers"
	"github.com/znamenap/connmon/statistics"
	"github.com/znamenap/connmon/tracert"
)

var (
	_ Printer = (*printers.ColorPrinter)(nil)
	_ Printer = (*printers.JSONPrinter)(nil)
	_ Printer = (*printers.CSVPrinter)(nil)
	_ Printer = (*printers.DatabasePrinter)(nil)
	_ Printer = (*printers.PlainPrinter)(nil)
)

var ErrPrettyWithoutJSON = errors.New("-pretty has no effect without the -j flag")

// Printer defines a set of methods that any printer implementation must provide.
// Printers are responsible for outputting information, but should not modify data or perform calculations.
type Printer interface {
	// Emit renders one engine event. It is called concurrently by every
	// session, so implementations serialize their output.
	events.Sink

	// PrintStart prints the banner. It is printed only once, at the very beginning.
	PrintStart(b printers.Banner)

	// PrintStatistics renders the summary of a session once it has closed.
	PrintStatistics(s *statistics.Statistics)

	// PrintHop renders one traceroute hop.
	PrintHop(h tracert.Hop)

	// PrintError should print an error message.
	// Printer should also apply \n to the given string, if needed.
	PrintError(format string, args ...any)

	// Done flushes and releases whatever the printer writes to.
	Done()
}

// PrinterConfig holds all configuration options for Printer creation
type PrinterConfig struct {
	OutputJSON       bool
	PrettyJSON       bool
	NoColor          bool
	WithTimestamp    bool
	WithSessionID    bool
	ShowFailuresOnly bool
	OutputDBPath     string
	OutputCSVPath    string
	Mode             string
	Endpoint         string
}

// display collects the shared display options selected in cfg.
func display[T any](cfg PrinterConfig, timestamp, sessionID, failuresOnly option.Option[T]) []option.Option[T] {
	var opts []option.Option[T]
	if cfg.WithTimestamp {
		opts = append(opts, timestamp)
	}
	if cfg.WithSessionID {
		opts = append(opts, sessionID)
	}
	if cfg.ShowFailuresOnly {
		opts = append(opts, failuresOnly)
	}
	return opts
}

// NewPrinter creates and returns an appropriate printer based on configuration
func NewPrinter(cfg PrinterConfig) (Printer, error) {
	if cfg.PrettyJSON && !cfg.OutputJSON {
		return nil, ErrPrettyWithoutJSON
	}

	switch {
	case cfg.OutputJSON:
		opts := display[printers.JSONPrinter](cfg,
			printers.WithTimestamp[*printers.JSONPrinter](),
			printers.WithSessionID[*printers.JSONPrinter](),
			printers.WithFailuresOnly[*printers.JSONPrinter]())
		if cfg.PrettyJSON {
			opts = append(opts, printers.WithPrettyJSON())
		}
		return printers.NewJSONPrinter(opts...), nil

	case cfg.OutputDBPath != "":
		p, err := printers.NewDatabasePrinter(cfg.Mode, cfg.Endpoint, cfg.OutputDBPath,
			display[printers.DatabasePrinter](cfg,
				printers.WithTimestamp[*printers.DatabasePrinter](),
				printers.WithSessionID[*printers.DatabasePrinter](),
				printers.WithFailuresOnly[*printers.DatabasePrinter]())...)
		if err != nil {
			return nil, err
		}
		return p, nil

	case cfg.OutputCSVPath != "":
		p, err := printers.NewCSVPrinter(cfg.OutputCSVPath,
			display[printers.CSVPrinter](cfg,
				printers.WithTimestamp[*printers.CSVPrinter](),
				printers.WithSessionID[*printers.CSVPrinter](),
				printers.WithFailuresOnly[*printers.CSVPrinter]())...)
		if err != nil {
			return nil, err
		}
		return p, nil

	case cfg.NoColor:
		return printers.NewPlainPrinter(
			display[printers.PlainPrinter](cfg,
				printers.WithTimestamp[*printers.PlainPrinter](),
				printers.WithSessionID[*printers.PlainPrinter](),
				printers.WithFailuresOnly[*printers.PlainPrinter]())...), nil

	default:
		return printers.NewColorPrinter(
			display[printers.ColorPrinter](cfg,
				printers.WithTimestamp[*printers.ColorPrinter](),
				printers.WithSessionID[*printers.ColorPrinter](),
				printers.WithFailuresOnly[*printers.ColorPrinter]())...), nil
	}
}
