package printers

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/znamenap/connmon/events"
	"github.com/znamenap/connmon/option"
	"github.com/znamenap/connmon/statistics"
	"github.com/znamenap/connmon/tracert"
)

const (
	// %s will be replaced by the table name
	eventsTableSchema = `CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    timestamp DATETIME,
    severity TEXT NOT NULL,
    kind TEXT NOT NULL,
    session TEXT,
    local_addr TEXT,
    remote_addr TEXT,
    message TEXT,
    iteration INTEGER,
    latency REAL,
    error TEXT
	);`

	statsTableSchema = `CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    timestamp DATETIME,
    session TEXT NOT NULL,
    direction TEXT,
    local_addr TEXT,
    remote_addr TEXT,

    start_time DATETIME,
    end_time DATETIME,
    total_duration TEXT,

    total_rounds INTEGER,
    successful_rounds INTEGER,
    failed_rounds INTEGER,
    timed_out_rounds INTEGER,
    packet_loss REAL,
    bailed_out INTEGER,

    last_successful_round DATETIME,
    last_unsuccessful_round DATETIME,

    total_uptime TEXT,
    total_downtime TEXT,
    longest_uptime TEXT,
    longest_uptime_start DATETIME,
    longest_uptime_end DATETIME,
    longest_downtime TEXT,
    longest_downtime_start DATETIME,
    longest_downtime_end DATETIME,

    latency_min REAL,
    latency_avg REAL,
    latency_max REAL
	);`

	hopsTableSchema = `CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY,
    timestamp DATETIME,
    target TEXT,
    ttl INTEGER,
    status TEXT,
    address TEXT,
    latency REAL
	);`

	eventSaveSchema = `INSERT INTO %s
	(timestamp, severity, kind, session, local_addr, remote_addr, message, iteration, latency, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	statSaveSchema = `INSERT INTO %s (
	timestamp,
	session,
	direction,
	local_addr,
	remote_addr,
	start_time,
	end_time,
	total_duration,
	total_rounds,
	successful_rounds,
	failed_rounds,
	timed_out_rounds,
	packet_loss,
	bailed_out,
	last_successful_round,
	last_unsuccessful_round,
	total_uptime,
	total_downtime,
	longest_uptime,
	longest_uptime_start,
	longest_uptime_end,
	longest_downtime,
	longest_downtime_start,
	longest_downtime_end,
	latency_min,
	latency_avg,
	latency_max) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	hopSaveSchema = `INSERT INTO %s
	(timestamp, target, ttl, status, address, latency)
	VALUES (?, ?, ?, ?, ?, ?);`
)

const dbTimeFormat = "2006-01-02 15:04:05.000"

// DatabasePrinter stores events, session statistics and hops in a SQLite
// database. Each run gets its own set of tables.
type DatabasePrinter struct {
	mu          sync.Mutex
	Conn        *sqlite.Conn
	DbPath      string
	TableName   string
	EventsTable string
	StatsTable  string
	HopsTable   string
	opt         options
}

type DatabasePrinterOption = option.Option[DatabasePrinter]

func (p *DatabasePrinter) options() *options {
	return &p.opt
}

// NewDatabasePrinter opens (or creates) the database at dbPath and creates
// the tables of this run, named after mode, endpoint and the current time.
func NewDatabasePrinter(mode, endpoint, dbPath string, opts ...DatabasePrinterOption) (*DatabasePrinter, error) {
	filename := addDbExtension(dbPath)

	conn, err := sqlite.OpenConn(filename, sqlite.OpenCreate, sqlite.OpenReadWrite)
	if err != nil {
		return nil, fmt.Errorf("create database %s: %w", filename, err)
	}

	tableName := sanitizeTableName(mode, endpoint, time.Now())
	p := &DatabasePrinter{
		Conn:        conn,
		DbPath:      filename,
		TableName:   tableName,
		EventsTable: tableName + "_events",
		StatsTable:  tableName + "_stats",
		HopsTable:   tableName + "_hops",
		opt:         defaultOptions(),
	}
	option.Apply(p, opts...)

	for table, schema := range map[string]string{
		p.EventsTable: eventsTableSchema,
		p.StatsTable:  statsTableSchema,
		p.HopsTable:   hopsTableSchema,
	} {
		if err := sqlitex.Execute(conn, fmt.Sprintf(schema, table), &sqlitex.ExecOptions{}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("create table %s: %w", table, err)
		}
	}

	return p, nil
}

func addDbExtension(filename string) string {
	if strings.HasSuffix(filename, ".db") {
		return filename
	}

	return filename + ".db"
}

// sanitizeTableName will return the sanitized and correctly formatted table name
// formatting the table name as "mode_endpoint__year_month_day_hour_minute_sec"
// table name can only have letters, digits and '_' and can't start with numbers
func sanitizeTableName(mode, endpoint string, at time.Time) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return '_'
		}, s)
	}

	tableName := fmt.Sprintf("%s_%s__%s",
		clean(mode),
		clean(endpoint),
		clean(at.Format(time.DateTime)),
	)

	if unicode.IsNumber(rune(tableName[0])) {
		tableName = "_" + tableName
	}

	return tableName
}

func (p *DatabasePrinter) exec(schema, table string, args ...any) {
	if p.Conn == nil {
		return
	}
	err := sqlitex.Execute(p.Conn, fmt.Sprintf(schema, table), &sqlitex.ExecOptions{Args: args})
	if err != nil {
		fmt.Fprintf(p.opt.errOut, "Error while writing to the database %q table %q: %s\n", p.DbPath, table, err)
	}
}

// PrintStart prints a message telling where the results are saved.
func (p *DatabasePrinter) PrintStart(b Banner) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.opt.out, "%s - saving results to: %s\n", b.Title(), p.DbPath)
}

// Emit saves one event row.
func (p *DatabasePrinter) Emit(e events.Event) {
	if p.opt.skip(e) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}

	var errText string
	if e.Err != nil {
		errText = e.Err.Error()
	}

	p.exec(eventSaveSchema, p.EventsTable,
		at.Format(dbTimeFormat),
		e.Severity.String(),
		string(e.Kind),
		e.Session,
		strings.TrimSpace(e.Local),
		strings.TrimSpace(e.Remote),
		e.Message,
		e.Iteration,
		statistics.NanoToMillisecond(e.RTT.Nanoseconds()),
		errText,
	)
}

// PrintHop saves one traceroute hop.
func (p *DatabasePrinter) PrintHop(h tracert.Hop) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var addr string
	if h.Addr.IsValid() {
		addr = h.Addr.String()
	}

	p.exec(hopSaveSchema, p.HopsTable,
		time.Now().Format(dbTimeFormat),
		h.Target.String(),
		h.TTL,
		h.Status.String(),
		addr,
		statistics.NanoToMillisecond(h.RTT.Nanoseconds()),
	)
}

func formatOrEmpty(t time.Time) string {
	// a zero time means it never happened, which is an empty column
	// rather than "0001-01-01 00:00:00"
	if t.IsZero() {
		return ""
	}
	return t.Format(dbTimeFormat)
}

// PrintStatistics saves the statistics of a finished session.
func (p *DatabasePrinter) PrintStatistics(s *statistics.Statistics) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// if the longest uptime is empty, then the column should also be empty
	longestUptimeDuration, longestDowntimeDuration := "0s", "0s"
	if !s.LongestUp.Start.IsZero() {
		longestUptimeDuration = s.LongestUp.Duration.String()
	}
	if !s.LongestDown.Start.IsZero() {
		longestDowntimeDuration = s.LongestDown.Duration.String()
	}

	var latencyMin, latencyAvg, latencyMax any
	if s.RTTResults.HasResults {
		latencyMin = s.RTTResults.Min
		latencyAvg = s.RTTResults.Average
		latencyMax = s.RTTResults.Max
	}

	p.exec(statSaveSchema, p.StatsTable,
		time.Now().Format(dbTimeFormat),
		s.SessionID,
		string(s.Direction),
		strings.TrimSpace(s.Local),
		strings.TrimSpace(s.Remote),
		formatOrEmpty(s.StartTime),
		formatOrEmpty(s.EndTime),
		s.Duration().String(),
		s.Total(),
		s.Successful,
		s.Failed,
		s.Timeouts,
		s.PacketLoss(),
		s.BailedOut,
		formatOrEmpty(s.LastSuccessfulRound),
		formatOrEmpty(s.LastUnsuccessfulRound),
		s.TotalUptime.String(),
		s.TotalDowntime.String(),
		longestUptimeDuration,
		formatOrEmpty(s.LongestUp.Start),
		formatOrEmpty(s.LongestUp.End),
		longestDowntimeDuration,
		formatOrEmpty(s.LongestDown.Start),
		formatOrEmpty(s.LongestDown.End),
		latencyMin,
		latencyAvg,
		latencyMax,
	)
}

// PrintError prints an error message to the error output.
func (p *DatabasePrinter) PrintError(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.opt.errOut, format+"\n", args...)
}

// Done closes the database connection.
func (p *DatabasePrinter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Conn == nil {
		return
	}
	if err := p.Conn.Close(); err != nil {
		fmt.Fprintf(p.opt.errOut, "Error closing the database %q: %s\n", p.DbPath, err)
	}
	p.Conn = nil
}
