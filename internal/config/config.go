// Package config holds the resolved run configuration. Values come from an
// optional YAML file, then command line flags, then defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode selects what the process does.
type Mode string

const (
	ModeIncoming Mode = "incoming"
	ModeOutgoing Mode = "outgoing"
	ModeTracert  Mode = "tracert"
)

var ErrUnknownMode = errors.New("unknown mode")

// ParseMode accepts the verb given on the command line. The historical
// "incomming" spelling is still understood.
func ParseMode(verb string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(verb)) {
	case "incoming", "incomming":
		return ModeIncoming, nil
	case "outgoing":
		return ModeOutgoing, nil
	case "tracert", "traceroute":
		return ModeTracert, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownMode, verb)
}

// Config is the whole configuration of one run.
type Config struct {
	Mode     Mode           `yaml:"mode"`
	Address  string         `yaml:"address"`
	Port     int            `yaml:"port"`
	Session  SessionConfig  `yaml:"session"`
	Incoming IncomingConfig `yaml:"incoming"`
	Outgoing OutgoingConfig `yaml:"outgoing"`
	Tracert  TracertConfig  `yaml:"tracert"`
	Output   OutputConfig   `yaml:"output"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SessionConfig tunes the keep-alive ping/pong loop.
type SessionConfig struct {
	MaxErrors int           `yaml:"max_errors"`
	Interval  time.Duration `yaml:"interval"`
	IOTimeout time.Duration `yaml:"io_timeout"`
	KeepAlive time.Duration `yaml:"keepalive"`
}

// IncomingConfig tunes the listener side.
type IncomingConfig struct {
	QueueCapacity  int           `yaml:"queue_capacity"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	MaxWorkers     int           `yaml:"max_workers"` // 0 means unbounded
}

// OutgoingConfig tunes the dialing side.
type OutgoingConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// TracertConfig tunes the traceroute.
type TracertConfig struct {
	MaxHops int           `yaml:"max_hops"`
	Timeout time.Duration `yaml:"timeout"`
}

// OutputConfig selects and configures the printer.
type OutputConfig struct {
	JSON         bool   `yaml:"json"`
	Pretty       bool   `yaml:"pretty"`
	NoColor      bool   `yaml:"no_color"`
	Timestamp    bool   `yaml:"timestamp"`
	SessionID    bool   `yaml:"session_id"`
	FailuresOnly bool   `yaml:"failures_only"`
	CSVPath      string `yaml:"csv"`
	DBPath       string `yaml:"db"`
	LogLevel     string `yaml:"log_level"`
}

// MetricsConfig enables the Prometheus endpoint when Address is set.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Endpoint is the "address:port" the run is about.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Command is the resolved work of one run: exactly one of IncomingCommand,
// OutgoingCommand or TracertCommand.
type Command interface {
	Mode() Mode
}

// IncomingCommand listens on Address:Port and answers every peer.
type IncomingCommand struct {
	Address  string
	Port     int
	Session  SessionConfig
	Incoming IncomingConfig
}

// OutgoingCommand keeps one connection to Address:Port alive.
type OutgoingCommand struct {
	Address  string
	Port     int
	Session  SessionConfig
	Outgoing OutgoingConfig
}

// TracertCommand traces the route to Address.
type TracertCommand struct {
	Address string
	Tracert TracertConfig
}

func (IncomingCommand) Mode() Mode { return ModeIncoming }
func (OutgoingCommand) Mode() Mode { return ModeOutgoing }
func (TracertCommand) Mode() Mode  { return ModeTracert }

// Command returns the variant selected by Mode.
func (c *Config) Command() (Command, error) {
	switch c.Mode {
	case ModeIncoming:
		return IncomingCommand{Address: c.Address, Port: c.Port, Session: c.Session, Incoming: c.Incoming}, nil
	case ModeOutgoing:
		return OutgoingCommand{Address: c.Address, Port: c.Port, Session: c.Session, Outgoing: c.Outgoing}, nil
	case ModeTracert:
		return TracertCommand{Address: c.Address, Tracert: c.Tracert}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
}
