package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/znamenap/connmon/events"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Mode == "" {
		return errors.New("mode is required")
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}

	if c.Address == "" {
		return errors.New("address is required")
	}
	if c.Mode != ModeTracert && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if err := c.Session.validate("session"); err != nil {
		return err
	}

	if c.Incoming.QueueCapacity < 1 {
		return errors.New("incoming.queue_capacity must be >= 1")
	}
	if c.Incoming.EnqueueTimeout <= 0 {
		return errors.New("incoming.enqueue_timeout must be > 0")
	}
	if c.Incoming.GracePeriod < 0 {
		return errors.New("incoming.grace_period must be >= 0")
	}
	if c.Incoming.MaxWorkers < 0 {
		return errors.New("incoming.max_workers must be >= 0")
	}

	if c.Outgoing.RetryInterval <= 0 {
		return errors.New("outgoing.retry_interval must be > 0")
	}
	if c.Outgoing.DialTimeout <= 0 {
		return errors.New("outgoing.dial_timeout must be > 0")
	}

	if c.Tracert.MaxHops < 1 || c.Tracert.MaxHops > 255 {
		return fmt.Errorf("tracert.max_hops must be between 1 and 255, got %d", c.Tracert.MaxHops)
	}
	if c.Tracert.Timeout <= 0 {
		return errors.New("tracert.timeout must be > 0")
	}

	if _, err := events.ParseSeverity(c.Output.LogLevel); err != nil {
		return fmt.Errorf("output.log_level: %w", err)
	}
	if c.Output.Pretty && !c.Output.JSON {
		return errors.New("output.pretty requires output.json")
	}

	if c.Metrics.Address != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
	}

	return nil
}

func (s *SessionConfig) validate(prefix string) error {
	if s.MaxErrors < 1 {
		return fmt.Errorf("%s.max_errors must be >= 1", prefix)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("%s.interval must be > 0", prefix)
	}
	if s.IOTimeout <= 0 {
		return fmt.Errorf("%s.io_timeout must be > 0", prefix)
	}
	if s.KeepAlive < 0 {
		return fmt.Errorf("%s.keepalive must be >= 0", prefix)
	}
	return nil
}
