// Package app is the connmon command: it parses the command line, selects a
// printer and runs the monitor or traceroute the mode asks for.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/znamenap/connmon"
	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/internal/config"
	"github.com/znamenap/connmon/listener"
	"github.com/znamenap/connmon/metrics"
	"github.com/znamenap/connmon/monitors"
	"github.com/znamenap/connmon/printers"
	"github.com/znamenap/connmon/session"
	"github.com/znamenap/connmon/tracert"
)

const closingMessage = "Execution completed. Closing application."

// Run executes the connmon application and returns an exit code
func Run() int {
	rc, err := ProcessUserInput()
	if err != nil {
		return handleError(err, nil)
	}

	// colors only make sense on a terminal
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		rc.PrinterConfig.NoColor = true
	}

	printer, err := connmon.NewPrinter(rc.PrinterConfig)
	if err != nil {
		return handleError(err, nil)
	}
	defer printer.Done()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer.PrintStart(newBanner(rc.Config, time.Now()))

	return finish(ctx, execute(ctx, rc.Config, printer), printer)
}

// finish turns the outcome of a run into the exit code. An error only ends
// the run normally when it follows from ctx being cancelled: a listener that
// closes on its own is a failure.
func finish(ctx context.Context, err error, printer connmon.Printer) int {
	if err != nil && (ctx.Err() == nil || !isCancellation(err)) {
		return handleError(err, printer)
	}

	printer.Emit(events.Event{Time: time.Now(), Kind: events.KindInfo, Severity: events.Info, Message: closingMessage})

	return 0
}

// runEndpoint is what the run is about: the traceroute target has no port.
func runEndpoint(cfg *config.Config) string {
	if cfg.Mode == config.ModeTracert {
		return cfg.Address
	}
	return cfg.Endpoint()
}

func newBanner(cfg *config.Config, started time.Time) printers.Banner {
	wd, err := os.Getwd()
	if err != nil {
		wd = "unknown"
	}

	return printers.Banner{
		Version:     Version,
		Mode:        string(cfg.Mode),
		Endpoint:    runEndpoint(cfg),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CommandLine: strings.Join(os.Args, " "),
		WorkDir:     wd,
		Started:     started,
	}
}

// newSink fans events out to the printer, filtered by the configured log
// level, and to the metrics collector when one is registered on reg.
func newSink(cfg *config.Config, printer events.Sink, reg prometheus.Registerer) (events.Sink, error) {
	level, err := events.ParseSeverity(cfg.Output.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	sink := events.Filter(printer, level)
	if reg == nil {
		return sink, nil
	}

	return events.Multi(sink, metrics.NewCollector(reg)), nil
}

// execute runs the selected command and, when asked for, the metrics
// endpoint next to it. It returns once the command is done or ctx is
// cancelled.
func execute(ctx context.Context, cfg *config.Config, printer connmon.Printer) error {
	cmd, err := cfg.Command()
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	var registerer prometheus.Registerer
	if cfg.Metrics.Address != "" {
		reg = prometheus.NewRegistry()
		registerer = reg
	}

	sink, err := newSink(cfg, printer, registerer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if reg != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Address, cfg.Metrics.Path, reg)
		})
	}

	g.Go(func() error {
		// the metrics server lives only as long as the command
		defer cancel()
		return dispatch(gctx, cmd, printer, sink)
	})

	return g.Wait()
}

func dispatch(ctx context.Context, cmd config.Command, printer connmon.Printer, sink events.Sink) error {
	switch c := cmd.(type) {
	case config.IncomingCommand:
		return monitors.NewIncoming(c.Address, c.Port, incomingOptions(c, printer, sink)...).Monitor(ctx)
	case config.OutgoingCommand:
		return monitors.NewOutgoing(c.Address, c.Port, outgoingOptions(c, printer, sink)...).Monitor(ctx)
	case config.TracertCommand:
		return runTrace(ctx, newTracer(c), c.Address, printer)
	}

	return fmt.Errorf("%w: %q", config.ErrUnknownMode, cmd.Mode())
}

// sessionPolicy overrides base with the configured session tuning.
func sessionPolicy(base session.Policy, sc config.SessionConfig) session.Policy {
	if sc.MaxErrors > 0 {
		base.MaxErrors = sc.MaxErrors
	}
	if sc.Interval > 0 {
		base.Interval = sc.Interval
	}
	if sc.IOTimeout > 0 {
		base.IOTimeout = sc.IOTimeout
	}
	return base
}

func incomingOptions(c config.IncomingCommand, printer connmon.Printer, sink events.Sink) []monitors.Option {
	return []monitors.Option{
		monitors.WithSink(sink),
		monitors.WithPolicy(sessionPolicy(session.FailFastPolicy(), c.Session)),
		monitors.WithKeepAlive(c.Session.KeepAlive),
		monitors.WithStatisticsHandler(printer.PrintStatistics),
		monitors.WithQueueCapacity(c.Incoming.QueueCapacity),
		monitors.WithEnqueueTimeout(c.Incoming.EnqueueTimeout),
		monitors.WithGracePeriod(c.Incoming.GracePeriod),
		monitors.WithMaxWorkers(c.Incoming.MaxWorkers),
	}
}

func outgoingOptions(c config.OutgoingCommand, printer connmon.Printer, sink events.Sink) []monitors.Option {
	return []monitors.Option{
		monitors.WithSink(sink),
		monitors.WithPolicy(sessionPolicy(session.RetryPolicy(), c.Session)),
		monitors.WithKeepAlive(c.Session.KeepAlive),
		monitors.WithStatisticsHandler(printer.PrintStatistics),
		monitors.WithRetryInterval(c.Outgoing.RetryInterval),
		monitors.WithDialTimeout(c.Outgoing.DialTimeout),
	}
}

func newTracer(c config.TracertCommand, opts ...tracert.Option) *tracert.Tracer {
	return tracert.New(append([]tracert.Option{
		tracert.WithMaxHops(c.Tracert.MaxHops),
		tracert.WithTimeout(c.Tracert.Timeout),
	}, opts...)...)
}

// runTrace prints every hop to host. A cancelled trace ends quietly.
func runTrace(ctx context.Context, t *tracert.Tracer, host string, printer connmon.Printer) error {
	for hop, err := range t.Trace(ctx, host) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("traceroute %s: %w", host, err)
		}
		printer.PrintHop(hop)
	}

	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, listener.ErrListenerClosed)
}

func handleError(err error, printer connmon.Printer) int {
	if err == nil {
		return 0
	}

	if errors.Is(err, ErrVersionRequested) {
		PrintVersion(os.Stdout)
		return 0
	}

	if errors.Is(err, ErrUpdateCheckRequested) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msg, checkErr := CheckForUpdates(ctx)
		if checkErr != nil {
			printError(checkErr, printer)
			return 1
		}
		fmt.Println(msg)
		return 0
	}

	if errors.Is(err, ErrUsageRequested) {
		// a bare request prints only the usage, a wrapped one also says why
		if err != ErrUsageRequested {
			printError(err, printer)
		}
		PrintUsage(os.Stdout)
		return 1
	}

	printError(err, printer)
	return 1
}

func printError(err error, printer connmon.Printer) {
	if printer != nil {
		printer.PrintError("%v", err)
		return
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}
