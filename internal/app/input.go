package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/znamenap/connmon"
	"github.com/znamenap/connmon/internal/config"
)

var (
	// ErrUsageRequested indicates usage help was requested
	ErrUsageRequested = errors.New("usage requested")

	// ErrVersionRequested indicates version display was requested
	ErrVersionRequested = errors.New("version requested")

	// ErrUpdateCheckRequested indicates update check was requested
	ErrUpdateCheckRequested = errors.New("update check requested")
)

// RunConfig is everything one run needs: the resolved monitoring
// configuration and the printer selection derived from it.
type RunConfig struct {
	Config        *config.Config
	PrinterConfig connmon.PrinterConfig
}

// flags holds the raw command line values before they are merged into the
// configuration. Only the flags the user actually set override the file.
type flags struct {
	address    string
	port       int
	queue      int
	interval   time.Duration
	maxErrors  int
	ioTimeout  time.Duration
	keepAlive  time.Duration
	workers    int
	grace      time.Duration
	retry      time.Duration
	hops       int
	hopTimeout time.Duration
	configPath string

	outputJSON       bool
	prettyJSON       bool
	noColor          bool
	showTimestamp    bool
	showSessionID    bool
	showFailuresOnly bool
	saveToCSV        string
	saveToDB         string
	logLevel         string
	metricsAddress   string

	showVer      bool
	checkUpdates bool
}

// newFlagSet declares every flag on its own set so parsing can be repeated
// in tests without touching flag.CommandLine.
func newFlagSet(f *flags) *flag.FlagSet {
	fs := flag.NewFlagSet("connmon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {
		// no-op, usage is printed by the app package
	}

	for _, name := range []string{"a", "address", "ip-address"} {
		fs.StringVar(&f.address, name, config.DefaultAddress,
			"IP address or hostname to connect to or to listen on. 0.0.0.0 means the primary IPv4 address.")
	}
	for _, name := range []string{"p", "port", "ip-port"} {
		fs.IntVar(&f.port, name, config.DefaultPort, "port number to connect to or to listen on.")
	}

	fs.IntVar(&f.queue, "queue", config.DefaultQueueCapacity,
		"capacity of the queue between the listener and the sessions.")
	fs.DurationVar(&f.interval, "interval", config.DefaultInterval, "idle time between ping rounds.")
	fs.IntVar(&f.maxErrors, "max-errors", config.DefaultMaxErrors,
		"consecutive failed rounds after which a session bails out.")
	fs.DurationVar(&f.ioTimeout, "io-timeout", config.DefaultIOTimeout, "time to wait for each send and receive.")
	fs.DurationVar(&f.keepAlive, "keepalive", config.DefaultKeepAlive, "TCP keep-alive period of monitored connections.")
	fs.IntVar(&f.workers, "workers", 0, "maximum number of concurrent incoming sessions. 0 means no limit.")
	fs.DurationVar(&f.grace, "grace", config.DefaultGracePeriod, "time given to running sessions to finish on shutdown.")
	fs.DurationVar(&f.retry, "retry", config.DefaultRetryInterval, "pause before redialing after an outgoing failure.")
	fs.IntVar(&f.hops, "hops", config.DefaultMaxHops, "maximum number of traceroute hops.")
	fs.DurationVar(&f.hopTimeout, "hop-timeout", config.DefaultHopTimeout, "time to wait for each traceroute hop.")
	fs.StringVar(&f.configPath, "config", "", "path to a YAML configuration file. Flags override its values.")

	fs.BoolVar(&f.outputJSON, "j", false, "output in JSON format.")
	fs.BoolVar(&f.prettyJSON, "pretty", false,
		"use indentation when using json output format. No effect without the '-j' flag.")
	fs.BoolVar(&f.noColor, "no-color", false, "do not colorize output.")
	fs.BoolVar(&f.showTimestamp, "D", false, "show timestamp for each event in the output.")
	fs.BoolVar(&f.showSessionID, "show-session", false, "prefix every event with its session identifier.")
	fs.BoolVar(&f.showFailuresOnly, "show-failures-only", false, "show only warnings, errors and failed rounds.")
	fs.StringVar(&f.saveToCSV, "csv", "",
		"path and file name to store output to a CSV file. The stats will be saved with the same name and `_stats` suffix.")
	fs.StringVar(&f.saveToDB, "db", "", "path and file name to store output to a sqlite3 database.")
	fs.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "lowest severity printed: debug, info, warn or error.")
	fs.StringVar(&f.metricsAddress, "metrics", "", "serve Prometheus metrics on this address, e.g. :9100.")

	fs.BoolVar(&f.showVer, "v", false, "show version and exit.")
	fs.BoolVar(&f.checkUpdates, "u", false, "check for updates and exit.")

	return fs
}

// takesValue reports whether the named flag consumes the next argument.
func takesValue(fs *flag.FlagSet, name string) bool {
	f := fs.Lookup(name)
	if f == nil {
		return false
	}
	if b, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
		return false
	}
	return true
}

// permuteArgs moves flags in front of positional arguments, because flag
// parsing stops just before the first non-flag argument.
// see: https://pkg.go.dev/flag
func permuteArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var flagArgs []string
	var nonFlagArgs []string

	for i := 0; i < len(args); i++ {
		v := args[i]
		if len(v) < 2 || v[0] != '-' {
			nonFlagArgs = append(nonFlagArgs, v)
			continue
		}

		optionName := strings.TrimLeft(v, "-")
		if strings.Contains(optionName, "=") || !takesValue(fs, optionName) {
			flagArgs = append(flagArgs, v)
			continue
		}

		// out of index
		if len(args) <= i+1 {
			return nil, fmt.Errorf("%w: flag -%s needs a value", ErrUsageRequested, optionName)
		}
		flagArgs = append(flagArgs, args[i:i+2]...)
		i++
	}

	return slices.Concat(flagArgs, nonFlagArgs), nil
}

// ParseInput turns the command line (without the program name) into a
// validated run configuration. The mode verb comes first, e.g.
//
//	connmon outgoing -a 10.0.0.1 -p 3859
//	connmon incoming 0.0.0.0 3859
//
// Address and port can also be given positionally after the verb. The verb
// may be omitted when the file given with -config sets the mode. Returns
// ErrUsageRequested, ErrVersionRequested or ErrUpdateCheckRequested for
// special control flow.
func ParseInput(args []string) (RunConfig, error) {
	var verb string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		verb, args = args[0], args[1:]
	}

	var f flags
	fs := newFlagSet(&f)

	permuted, err := permuteArgs(fs, args)
	if err != nil {
		return RunConfig{}, err
	}

	if err := fs.Parse(permuted); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return RunConfig{}, ErrUsageRequested
		}
		return RunConfig{}, fmt.Errorf("%w: %v", ErrUsageRequested, err)
	}

	if f.showVer {
		return RunConfig{}, ErrVersionRequested
	}

	if f.checkUpdates {
		return RunConfig{}, ErrUpdateCheckRequested
	}

	cfg := &config.Config{}
	if f.configPath != "" {
		if cfg, err = config.LoadWithDefaults(f.configPath); err != nil {
			return RunConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	if verb != "" {
		mode, err := config.ParseMode(verb)
		if err != nil {
			return RunConfig{}, fmt.Errorf("%w: %v", ErrUsageRequested, err)
		}
		cfg.Mode = mode
	}
	if cfg.Mode == "" {
		return RunConfig{}, ErrUsageRequested
	}

	set := visited(fs)
	applyFlags(cfg, f, set)

	if err := applyPositional(cfg, fs.Args(), set); err != nil {
		return RunConfig{}, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return RunConfig{
		Config: cfg,
		PrinterConfig: connmon.PrinterConfig{
			OutputJSON:       cfg.Output.JSON,
			PrettyJSON:       cfg.Output.Pretty,
			NoColor:          cfg.Output.NoColor,
			WithTimestamp:    cfg.Output.Timestamp,
			WithSessionID:    cfg.Output.SessionID,
			ShowFailuresOnly: cfg.Output.FailuresOnly,
			OutputDBPath:     cfg.Output.DBPath,
			OutputCSVPath:    cfg.Output.CSVPath,
			Mode:             string(cfg.Mode),
			Endpoint:         runEndpoint(cfg),
		},
	}, nil
}

// ProcessUserInput parses os.Args.
func ProcessUserInput() (RunConfig, error) {
	return ParseInput(os.Args[1:])
}

type flagSet map[string]bool

func visited(fs *flag.FlagSet) flagSet {
	set := flagSet{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func (s flagSet) any(names ...string) bool {
	return slices.ContainsFunc(names, func(n string) bool { return s[n] })
}

// applyFlags copies the flags the user set over the file values.
func applyFlags(cfg *config.Config, f flags, set flagSet) {
	if set.any("a", "address", "ip-address") {
		cfg.Address = f.address
	}
	if set.any("p", "port", "ip-port") {
		cfg.Port = f.port
	}

	if set["interval"] {
		cfg.Session.Interval = f.interval
	}
	if set["max-errors"] {
		cfg.Session.MaxErrors = f.maxErrors
	}
	if set["io-timeout"] {
		cfg.Session.IOTimeout = f.ioTimeout
	}
	if set["keepalive"] {
		cfg.Session.KeepAlive = f.keepAlive
	}

	if set["queue"] {
		cfg.Incoming.QueueCapacity = f.queue
	}
	if set["workers"] {
		cfg.Incoming.MaxWorkers = f.workers
	}
	if set["grace"] {
		cfg.Incoming.GracePeriod = f.grace
	}
	if set["retry"] {
		cfg.Outgoing.RetryInterval = f.retry
	}

	if set["hops"] {
		cfg.Tracert.MaxHops = f.hops
	}
	if set["hop-timeout"] {
		cfg.Tracert.Timeout = f.hopTimeout
	}

	if set["j"] {
		cfg.Output.JSON = f.outputJSON
	}
	if set["pretty"] {
		cfg.Output.Pretty = f.prettyJSON
	}
	if set["no-color"] {
		cfg.Output.NoColor = f.noColor
	}
	if set["D"] {
		cfg.Output.Timestamp = f.showTimestamp
	}
	if set["show-session"] {
		cfg.Output.SessionID = f.showSessionID
	}
	if set["show-failures-only"] {
		cfg.Output.FailuresOnly = f.showFailuresOnly
	}
	if set["csv"] {
		cfg.Output.CSVPath = f.saveToCSV
	}
	if set["db"] {
		cfg.Output.DBPath = f.saveToDB
	}
	if set["log-level"] {
		cfg.Output.LogLevel = f.logLevel
	}
	if set["metrics"] {
		cfg.Metrics.Address = f.metricsAddress
	}
}

// applyPositional accepts "<address> [port]" after the verb. Giving the same
// value both as a flag and positionally is ambiguous.
func applyPositional(cfg *config.Config, args []string, set flagSet) error {
	if len(args) > 2 {
		return fmt.Errorf("%w: unexpected arguments %q", ErrUsageRequested, args[2:])
	}

	if len(args) > 0 {
		if set.any("a", "address", "ip-address") {
			return fmt.Errorf("%w: address given twice", ErrUsageRequested)
		}
		cfg.Address = args[0]
	}

	if len(args) > 1 {
		if set.any("p", "port", "ip-port") {
			return fmt.Errorf("%w: port given twice", ErrUsageRequested)
		}
		port, err := convertPort(args[1])
		if err != nil {
			return err
		}
		cfg.Port = port
	}

	return nil
}

// convertPort validates and returns the TCP port
func convertPort(portStr string) (int, error) {
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid port number: %s", ErrUsageRequested, portStr)
	}

	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: port should be in 1..65535 range", ErrUsageRequested)
	}

	return int(port), nil
}
