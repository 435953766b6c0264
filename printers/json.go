package printers

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/statistics"
	"github.com/znamenap/connmon/tracert"
)

// JSONEventType tells automatic tools which kind of record they received.
type JSONEventType string

const (
	startEvent      JSONEventType = "start"      // Event type for `PrintStart` method.
	logEvent        JSONEventType = "event"      // Event type for `Emit` method.
	statisticsEvent JSONEventType = "statistics" // Event type for `PrintStatistics` method.
	hopEvent        JSONEventType = "hop"        // Event type for `PrintHop` method.
	errorEvent      JSONEventType = "error"      // Event type for `PrintError` method.
)

// JSONData contains all possible fields for JSON output.
// Because one record usually contains only a subset of fields,
// other fields will be omitted in the output.
type JSONData struct {
	Type      JSONEventType `json:"type"`
	Timestamp string        `json:"timestamp,omitempty"`
	Message   string        `json:"message"` // Message matches the line the plain printer shows.

	// event fields
	Kind      events.Kind `json:"kind,omitempty"`
	Severity  string      `json:"severity,omitempty"`
	Session   string      `json:"session,omitempty"`
	Local     string      `json:"local,omitempty"`
	Remote    string      `json:"remote,omitempty"`
	Iteration int         `json:"iteration,omitempty"`
	Latency   float32     `json:"latency,omitempty"` // Latency in ms of a received pong.
	Error     string      `json:"error,omitempty"`

	// start fields
	Version string `json:"version,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Target  string `json:"target,omitempty"`

	// statistics fields
	Direction             string  `json:"direction,omitempty"`
	StartTimestamp        string  `json:"startTimestamp,omitempty"`
	EndTimestamp          string  `json:"endTimestamp,omitempty"`
	TotalDuration         float64 `json:"totalDuration,omitempty"` // TotalDuration in seconds.
	TotalUptime           float64 `json:"totalUptime,omitempty"`   // TotalUptime in seconds.
	TotalDowntime         float64 `json:"totalDowntime,omitempty"` // TotalDowntime in seconds.
	TotalRounds           uint    `json:"totalRounds,omitempty"`
	SuccessfulRounds      uint    `json:"successfulRounds,omitempty"`
	FailedRounds          uint    `json:"failedRounds,omitempty"`
	TimedOutRounds        uint    `json:"timedOutRounds,omitempty"`
	PacketLoss            string  `json:"packetLoss,omitempty"`
	LongestUptime         float64 `json:"longestUptime,omitempty"`   // LongestUptime in seconds.
	LongestDowntime       float64 `json:"longestDowntime,omitempty"` // LongestDowntime in seconds.
	LastSuccessfulRound   string  `json:"lastSuccessfulRound,omitempty"`
	LastUnsuccessfulRound string  `json:"lastUnsuccessfulRound,omitempty"`
	LatencyMin            string  `json:"latencyMin,omitempty"` // LatencyMin is a stringified 3 decimal places min latency.
	LatencyAvg            string  `json:"latencyAvg,omitempty"` // LatencyAvg is a stringified 3 decimal places avg latency.
	LatencyMax            string  `json:"latencyMax,omitempty"` // LatencyMax is a stringified 3 decimal places max latency.
	BailedOut             *bool   `json:"bailedOut,omitempty"`

	// hop fields
	TTL       int    `json:"ttl,omitempty"`
	HopStatus string `json:"hopStatus,omitempty"`
	HopAddr   string `json:"hopAddress,omitempty"`
}

// JSONPrinter prints one JSON object per record.
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	opt     options
	pretty  bool
}

type JSONPrinterOption = option.Option[JSONPrinter]

func (p *JSONPrinter) options() *options {
	return &p.opt
}

// WithPrettyJSON indents the output.
func WithPrettyJSON() JSONPrinterOption {
	return func(p *JSONPrinter) {
		p.pretty = true
	}
}

// NewJSONPrinter creates a new JSONPrinter instance writing to stdout.
func NewJSONPrinter(opts ...JSONPrinterOption) *JSONPrinter {
	p := &JSONPrinter{opt: defaultOptions()}
	option.Apply(p, opts...)

	p.encoder = json.NewEncoder(p.opt.out)
	if p.pretty {
		p.encoder.SetIndent("", "\t")
	}

	return p
}

func (p *JSONPrinter) encode(data JSONData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.encoder.Encode(data); err != nil {
		fmt.Fprintf(p.opt.errOut, "encode %s record: %v\n", data.Type, err)
	}
}

func (p *JSONPrinter) timestamp(at time.Time) string {
	if !p.opt.ShowTimestamp {
		return ""
	}
	if at.IsZero() {
		at = time.Now()
	}
	return at.Format(time.RFC3339Nano)
}

// PrintStart prints the banner record.
func (p *JSONPrinter) PrintStart(b Banner) {
	p.encode(JSONData{
		Type:      startEvent,
		Timestamp: p.timestamp(b.Started),
		Message:   b.Title(),
		Version:   b.Version,
		Mode:      b.Mode,
		Target:    b.Endpoint,
	})
}

// Emit prints one event record.
func (p *JSONPrinter) Emit(e events.Event) {
	if p.opt.skip(e) {
		return
	}

	data := JSONData{
		Type:      logEvent,
		Timestamp: p.timestamp(e.Time),
		Message:   e.Message,
		Kind:      e.Kind,
		Severity:  e.Severity.String(),
		Local:     strings.TrimSpace(e.Local),
		Remote:    strings.TrimSpace(e.Remote),
		Iteration: e.Iteration,
		Latency:   statistics.NanoToMillisecond(e.RTT.Nanoseconds()),
	}
	if p.opt.ShowSessionID {
		data.Session = e.Session
	}
	if e.Err != nil {
		data.Error = e.Err.Error()
	}

	p.encode(data)
}

// PrintStatistics prints the summary record of a finished session.
func (p *JSONPrinter) PrintStatistics(s *statistics.Statistics) {
	bailedOut := s.BailedOut

	data := JSONData{
		Type:             statisticsEvent,
		Timestamp:        p.timestamp(time.Now()),
		Message:          fmt.Sprintf("%s statistics - %d rounds | %d successful", strings.TrimSpace(s.Remote), s.Total(), s.Successful),
		Session:          s.SessionID,
		Direction:        string(s.Direction),
		Local:            strings.TrimSpace(s.Local),
		Remote:           strings.TrimSpace(s.Remote),
		StartTimestamp:   s.StartTime.Format(time.RFC3339),
		TotalDuration:    s.Duration().Seconds(),
		TotalUptime:      s.TotalUptime.Seconds(),
		TotalDowntime:    s.TotalDowntime.Seconds(),
		TotalRounds:      s.Total(),
		SuccessfulRounds: s.Successful,
		FailedRounds:     s.Failed,
		TimedOutRounds:   s.Timeouts,
		PacketLoss:       fmt.Sprintf("%.2f", s.PacketLoss()),
		LongestUptime:    s.LongestUp.Duration.Seconds(),
		LongestDowntime:  s.LongestDown.Duration.Seconds(),
		BailedOut:        &bailedOut,
	}

	if !s.EndTime.IsZero() {
		data.EndTimestamp = s.EndTime.Format(time.RFC3339)
	}
	if !s.LastSuccessfulRound.IsZero() {
		data.LastSuccessfulRound = s.LastSuccessfulRound.Format(time.RFC3339)
	}
	if !s.LastUnsuccessfulRound.IsZero() {
		data.LastUnsuccessfulRound = s.LastUnsuccessfulRound.Format(time.RFC3339)
	}
	if s.RTTResults.HasResults {
		data.LatencyMin = fmt.Sprintf("%.3f", s.RTTResults.Min)
		data.LatencyAvg = fmt.Sprintf("%.3f", s.RTTResults.Average)
		data.LatencyMax = fmt.Sprintf("%.3f", s.RTTResults.Max)
	}

	p.encode(data)
}

// PrintHop prints one traceroute hop record.
func (p *JSONPrinter) PrintHop(h tracert.Hop) {
	data := JSONData{
		Type:      hopEvent,
		Timestamp: p.timestamp(time.Now()),
		Message:   HopLine(h),
		Target:    h.Target.String(),
		TTL:       h.TTL,
		HopStatus: h.Status.String(),
		Latency:   statistics.NanoToMillisecond(h.RTT.Nanoseconds()),
	}
	if h.Addr.IsValid() {
		data.HopAddr = h.Addr.String()
	}

	p.encode(data)
}

// PrintError prints an error record.
func (p *JSONPrinter) PrintError(format string, args ...any) {
	p.encode(JSONData{
		Type:    errorEvent,
		Message: fmt.Sprintf(format, args...),
	})
}

// Done satisfies the printer interface; every record is written immediately.
func (p *JSONPrinter) Done() {}
