package printers

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/statistics"
	"github.com/znamenap/connmon/tracert"
)

const (
	colTimestamp string = "Timestamp"
	colSeverity  string = "Severity"
	colKind      string = "Kind"
	colSession   string = "Session"
	colLocal     string = "Local"
	colRemote    string = "Remote"
	colMessage   string = "Message"
	colIteration string = "Iteration"
	colLatency   string = "Latency(ms)"
	colError     string = "Error"
)

const (
	filePermission os.FileMode = 0644
	fileFlag       int         = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
)

// CSVPrinter writes events to one CSV file and session statistics to a
// second file with the `_stats` suffix.
type CSVPrinter struct {
	mu          sync.Mutex
	EventWriter *csv.Writer
	StatsWriter *csv.Writer
	EventFile   *os.File
	StatsFile   *os.File
	opt         options
}

type CSVPrinterOption = option.Option[CSVPrinter]

func (p *CSVPrinter) options() *options {
	return &p.opt
}

// NewCSVPrinter creates both files, truncating existing ones, and writes
// their headers.
func NewCSVPrinter(filePath string, opts ...CSVPrinterOption) (*CSVPrinter, error) {
	eventFilename := addCSVExtension(filePath, false)

	eventFile, err := os.OpenFile(eventFilename, fileFlag, filePermission)
	if err != nil {
		return nil, fmt.Errorf("create event CSV file %s: %w", eventFilename, err)
	}

	statsFilename := addCSVExtension(filePath, true)

	statsFile, err := os.OpenFile(statsFilename, fileFlag, filePermission)
	if err != nil {
		eventFile.Close()
		return nil, fmt.Errorf("create stats CSV file %s: %w", statsFilename, err)
	}

	p := &CSVPrinter{
		EventWriter: csv.NewWriter(eventFile),
		StatsWriter: csv.NewWriter(statsFile),
		EventFile:   eventFile,
		StatsFile:   statsFile,
		opt:         defaultOptions(),
	}
	option.Apply(p, opts...)

	if err := p.writeHeaders(); err != nil {
		p.Done()
		return nil, err
	}

	return p, nil
}

func addCSVExtension(filename string, withStatsExt bool) string {
	if withStatsExt {
		// Remove .csv extension if present, then add _stats.csv
		base := strings.TrimSuffix(filename, ".csv")
		return base + "_stats.csv"
	}

	if strings.HasSuffix(filename, ".csv") {
		return filename
	}

	return filename + ".csv"
}

func (p *CSVPrinter) writeHeaders() error {
	headers := []string{}

	if p.opt.ShowTimestamp {
		headers = append(headers, colTimestamp)
	}

	headers = append(headers, colSeverity, colKind)

	if p.opt.ShowSessionID {
		headers = append(headers, colSession)
	}

	headers = append(headers, colLocal, colRemote, colMessage, colIteration, colLatency, colError)

	if err := p.EventWriter.Write(headers); err != nil {
		return fmt.Errorf("write event headers: %w", err)
	}
	p.EventWriter.Flush()
	if err := p.EventWriter.Error(); err != nil {
		return fmt.Errorf("write event headers: %w", err)
	}

	if err := p.StatsWriter.Write([]string{"Session", "Metric", "Value"}); err != nil {
		return fmt.Errorf("write statistics headers: %w", err)
	}
	p.StatsWriter.Flush()

	return p.StatsWriter.Error()
}

// PrintStart tells the user where the results go.
func (p *CSVPrinter) PrintStart(b Banner) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.opt.out, "%s - saving the results to: %s\n", b.Title(), p.EventFile.Name())
}

func (p *CSVPrinter) writeRecord(at time.Time, sev, kind, session, local, remote, msg string, iteration int, rtt time.Duration, errText string) {
	record := []string{}

	if p.opt.ShowTimestamp {
		if at.IsZero() {
			at = time.Now()
		}
		record = append(record, at.Format(timeFormat))
	}

	record = append(record, sev, kind)

	if p.opt.ShowSessionID {
		record = append(record, session)
	}

	latency := ""
	if rtt > 0 {
		latency = fmt.Sprintf("%.3f", statistics.NanoToMillisecond(rtt.Nanoseconds()))
	}

	record = append(record,
		strings.TrimSpace(local),
		strings.TrimSpace(remote),
		msg,
		strconv.Itoa(iteration),
		latency,
		errText,
	)

	if err := p.EventWriter.Write(record); err != nil {
		fmt.Fprintf(p.opt.errOut, "CSV Error: write %s record: %v\n", kind, err)
		return
	}

	p.EventWriter.Flush()
}

// Emit appends one event row.
func (p *CSVPrinter) Emit(e events.Event) {
	if p.opt.skip(e) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	errText := ""
	if e.Err != nil {
		errText = e.Err.Error()
	}

	p.writeRecord(e.Time, e.Severity.String(), string(e.Kind), e.Session, e.Local, e.Remote, e.Message, e.Iteration, e.RTT, errText)
}

// PrintHop appends one traceroute row to the event file.
func (p *CSVPrinter) PrintHop(h tracert.Hop) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writeRecord(time.Now(), events.Info.String(), "hop", "", "", h.TargetStr(),
		fmt.Sprintf("%s, %s", h.Status, h.AddrStr()), h.TTL, h.RTT, "")
}

// PrintStatistics appends the metrics of a finished session to the stats file.
func (p *CSVPrinter) PrintStatistics(s *statistics.Statistics) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range statRows(s) {
		if err := p.StatsWriter.Write([]string{s.SessionID, r.Metric, r.Value}); err != nil {
			fmt.Fprintf(p.opt.errOut, "CSV Error: write statistics record: %v\n", err)
			return
		}
	}
	p.StatsWriter.Flush()

	fmt.Fprintf(p.opt.out, "Statistics of %s have been saved to: %s\n", strings.TrimSpace(s.Remote), p.StatsFile.Name())
}

// PrintError logs an error message to the error output.
func (p *CSVPrinter) PrintError(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.opt.errOut, "CSV Error: "+format+"\n", args...)
}

// Done flushes the buffer of writers and closes the event and stats file
func (p *CSVPrinter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.EventWriter != nil {
		p.EventWriter.Flush()
	}

	if p.EventFile != nil {
		p.EventFile.Close()
	}

	if p.StatsWriter != nil {
		p.StatsWriter.Flush()
	}

	if p.StatsFile != nil {
		p.StatsFile.Close()
	}
}
