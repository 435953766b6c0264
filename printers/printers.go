// Package printers renders monitoring events, session statistics and
// traceroute hops. Every printer is an events.Sink and is safe for use by
// many sessions at once.
package printers

import (
	"fmt"
	"strings"
	"time"

	"github.com/znamenap/connmon/statistics"
	"github.com/znamenap/connmon/tracert"
)

// Banner describes the run and is printed once, before anything else.
type Banner struct {
	Version     string
	Mode        string
	Endpoint    string
	OS          string
	Arch        string
	CommandLine string
	WorkDir     string
	Started     time.Time
}

// Title is the first banner line.
func (b Banner) Title() string {
	return fmt.Sprintf("connmon %s: %s %s", b.Version, b.Mode, b.Endpoint)
}

// Details are the environment lines that follow the title.
func (b Banner) Details() []string {
	return []string{
		fmt.Sprintf("Started: %s", b.Started.Format(time.RFC3339)),
		fmt.Sprintf("Platform: %s/%s", b.OS, b.Arch),
		fmt.Sprintf("Command line: %s", b.CommandLine),
		fmt.Sprintf("Working directory: %s", b.WorkDir),
	}
}

// HopLine renders one traceroute hop, e.g.
//
//	TRRT: 03 -> 010.000.000.001 : TtlExpired, 12.345 ms, 192.168.001.001
func HopLine(h tracert.Hop) string {
	return fmt.Sprintf("TRRT: %02d -> %s : %s, %.3f ms, %s",
		h.TTL,
		h.TargetStr(),
		h.Status,
		statistics.NanoToMillisecond(h.RTT.Nanoseconds()),
		h.AddrStr())
}

// statRow is one metric of the statistics summary.
type statRow struct {
	Metric string
	Value  string
}

// statRows flattens s into the rows shared by the text and CSV printers.
func statRows(s *statistics.Statistics) []statRow {
	rows := []statRow{
		{"Session", s.SessionID},
		{"Direction", string(s.Direction)},
		{"Local", strings.TrimSpace(s.Local)},
		{"Remote", strings.TrimSpace(s.Remote)},
		{"Total Duration", statistics.DurationToString(s.Duration())},
		{"Total Uptime", statistics.DurationToString(s.TotalUptime)},
		{"Total Downtime", statistics.DurationToString(s.TotalDowntime)},
		{"Total Rounds", fmt.Sprintf("%d", s.Total())},
		{"Successful Rounds", fmt.Sprintf("%d", s.Successful)},
		{"Failed Rounds", fmt.Sprintf("%d", s.Failed)},
		{"Timed Out Rounds", fmt.Sprintf("%d", s.Timeouts)},
		{"Packet Loss Percentage", fmt.Sprintf("%.2f", s.PacketLoss())},
		{"Longest Uptime", longest(s.LongestUp)},
		{"Longest Downtime", longest(s.LongestDown)},
		{"Last Successful Round", timeOrNever(s.LastSuccessfulRound)},
		{"Last Unsuccessful Round", timeOrNever(s.LastUnsuccessfulRound)},
	}

	if s.RTTResults.HasResults {
		rows = append(rows, statRow{"RTT min/avg/max (ms)", fmt.Sprintf("%.3f/%.3f/%.3f",
			s.RTTResults.Min, s.RTTResults.Average, s.RTTResults.Max)})
	}

	rows = append(rows,
		statRow{"Bailed Out", fmt.Sprintf("%t", s.BailedOut)},
		statRow{"Start Time", s.StartTimeFormatted()},
	)
	if !s.EndTime.IsZero() {
		rows = append(rows, statRow{"End Time", s.EndTimeFormatted()})
	}

	return rows
}

func longest(l statistics.LongestTime) string {
	if l.Duration == 0 {
		return "Never"
	}
	return fmt.Sprintf("%s from %s to %s",
		statistics.DurationToString(l.Duration),
		l.Start.Format(time.DateTime),
		l.End.Format(time.DateTime))
}

func timeOrNever(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format(time.DateTime)
}
