// Package statistics accumulates the round trip history of one keep-alive
// session.
package statistics

import (
	"fmt"
	"math"
	"time"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Statistics is owned by the goroutine running the session. Printers receive
// it only after the session has finished.
type Statistics struct {
	// Session information
	SessionID string
	Direction Direction
	Local     string
	Remote    string

	// Time tracking
	StartTime             time.Time
	EndTime               time.Time
	StartOfUptime         time.Time
	StartOfDowntime       time.Time
	LastSuccessfulRound   time.Time
	LastUnsuccessfulRound time.Time

	// Uptime/Downtime tracking
	DestWasDown   bool
	TotalUptime   time.Duration
	TotalDowntime time.Duration
	LongestUp     LongestTime
	LongestDown   LongestTime

	// Round trip counters
	Successful          uint
	Failed              uint
	Timeouts            uint
	OngoingSuccessful   uint
	OngoingUnsuccessful uint
	BailedOut           bool

	// RTT tracking
	LatestRTT  float32
	RTTResults RttResult
}

// New starts the statistics of a session at start.
func New(sessionID string, direction Direction, local, remote string, start time.Time) *Statistics {
	return &Statistics{
		SessionID:     sessionID,
		Direction:     direction,
		Local:         local,
		Remote:        remote,
		StartTime:     start,
		StartOfUptime: start,
	}
}

// RecordSuccess counts a completed round trip.
func (s *Statistics) RecordSuccess(at time.Time, rtt time.Duration) {
	s.RecordExchange(at)

	s.LatestRTT = NanoToMillisecond(rtt.Nanoseconds())
	s.RTTResults.Add(s.LatestRTT)
}

// RecordExchange counts a successful round that has no RTT sample, such as
// an echo round where the peer's data is unrelated to what was just sent.
func (s *Statistics) RecordExchange(at time.Time) {
	if s.DestWasDown {
		down := at.Sub(s.StartOfDowntime)
		s.TotalDowntime += down
		SetLongestDuration(s.StartOfDowntime, down, &s.LongestDown)
		s.DestWasDown = false
		s.StartOfUptime = at
		s.OngoingUnsuccessful = 0
	}

	s.Successful++
	s.OngoingSuccessful++
	s.LastSuccessfulRound = at
}

// RecordFailure counts a round trip that failed on the transport.
func (s *Statistics) RecordFailure(at time.Time) {
	if !s.DestWasDown {
		up := at.Sub(s.StartOfUptime)
		s.TotalUptime += up
		SetLongestDuration(s.StartOfUptime, up, &s.LongestUp)
		s.DestWasDown = true
		s.StartOfDowntime = at
		s.OngoingSuccessful = 0
	}

	s.Failed++
	s.OngoingUnsuccessful++
	s.LastUnsuccessfulRound = at
}

// RecordTimeout counts a round in which the peer sent nothing back. It does
// not change the up/down state.
func (s *Statistics) RecordTimeout(at time.Time) {
	s.Timeouts++
	s.LastUnsuccessfulRound = at
}

// Finalize closes the running up or down period at end.
func (s *Statistics) Finalize(end time.Time) {
	s.EndTime = end

	if s.DestWasDown {
		down := end.Sub(s.StartOfDowntime)
		s.TotalDowntime += down
		SetLongestDuration(s.StartOfDowntime, down, &s.LongestDown)
		return
	}

	up := end.Sub(s.StartOfUptime)
	s.TotalUptime += up
	SetLongestDuration(s.StartOfUptime, up, &s.LongestUp)
}

// Total is the number of round trips attempted.
func (s *Statistics) Total() uint {
	return s.Successful + s.Failed + s.Timeouts
}

// PacketLoss is the percentage of rounds that did not complete.
func (s *Statistics) PacketLoss() float32 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float32(s.Failed+s.Timeouts) / float32(total) * 100
}

// Duration is how long the session ran, or has run so far.
func (s *Statistics) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

func (s *Statistics) StartTimeFormatted() string {
	return s.StartTime.Format(time.DateTime)
}

func (s *Statistics) EndTimeFormatted() string {
	return s.EndTime.Format(time.DateTime)
}

func (s *Statistics) RTTStr() string {
	return fmt.Sprintf("%.3f", s.LatestRTT)
}

// LongestTime holds information about the longest period of uptime or downtime.
type LongestTime struct {
	Start    time.Time     // Start time of the longest period.
	End      time.Time     // End time of the longest period.
	Duration time.Duration // Duration of the longest period.
}

// NewLongestTime creates and returns a LongestTime instance with the provided start time and duration.
func NewLongestTime(startTime time.Time, duration time.Duration) LongestTime {
	return LongestTime{
		Start:    startTime,
		End:      startTime.Add(duration),
		Duration: duration,
	}
}

// RttResult holds statistics for round-trip times (RTT) results.
type RttResult struct {
	Min        float32 // Minimum RTT value.
	Max        float32 // Maximum RTT value.
	Average    float32 // Average RTT value.
	HasResults bool    // Flag indicating whether RTT results are available.

	count uint
	sum   float64
}

// Add folds one RTT sample, in milliseconds, into the result. Sessions run
// for days, so samples are not kept.
func (r *RttResult) Add(rtt float32) {
	if !r.HasResults || rtt < r.Min {
		r.Min = rtt
	}
	if !r.HasResults || rtt > r.Max {
		r.Max = rtt
	}

	r.count++
	r.sum += float64(rtt)
	r.Average = float32(r.sum / float64(r.count))
	r.HasResults = true
}

// SetLongestDuration updates the longest uptime or downtime based on the given type.
func SetLongestDuration(start time.Time, duration time.Duration, longest *LongestTime) {
	if start.IsZero() || duration == 0 {
		return
	}

	newLongest := NewLongestTime(start, duration)

	if longest.End.IsZero() || newLongest.Duration >= longest.Duration {
		*longest = newLongest
	}
}

// DurationToString creates a human-readable string for a given duration
func DurationToString(duration time.Duration) string {
	hours := math.Floor(duration.Hours())
	if hours > 0 {
		duration -= time.Duration(hours * float64(time.Hour))
	}

	minutes := math.Floor(duration.Minutes())
	if minutes > 0 {
		duration -= time.Duration(minutes * float64(time.Minute))
	}

	seconds := duration.Seconds()

	switch {
	// Hours
	case hours >= 2:
		return fmt.Sprintf("%.0f hours %.0f minutes %.0f seconds", hours, minutes, seconds)
	case hours == 1 && minutes == 0 && seconds == 0:
		return fmt.Sprintf("%.0f hour", hours)
	case hours == 1:
		return fmt.Sprintf("%.0f hour %.0f minutes %.0f seconds", hours, minutes, seconds)

	// Minutes
	case minutes >= 2:
		return fmt.Sprintf("%.0f minutes %.0f seconds", minutes, seconds)
	case minutes == 1 && seconds == 0:
		return fmt.Sprintf("%.0f minute", minutes)
	case minutes == 1:
		return fmt.Sprintf("%.0f minute %.0f seconds", minutes, seconds)

	// Seconds
	case seconds == 0 || seconds == 1 || seconds >= 1 && seconds < 1.1:
		return fmt.Sprintf("%.0f second", seconds)
	case seconds < 1:
		return fmt.Sprintf("%.1f seconds", seconds)

	default:
		return fmt.Sprintf("%.0f seconds", seconds)
	}
}

// NanoToMillisecond returns an amount of milliseconds from nanoseconds.
// Using duration.Milliseconds() is not an option, because it drops
// decimal points, returning an int.
func NanoToMillisecond(nano int64) float32 {
	return float32(nano) / float32(time.Millisecond)
}
