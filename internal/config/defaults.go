package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddress        = "0.0.0.0"
	DefaultPort           = 3859
	DefaultMaxErrors      = 5
	DefaultInterval       = 2 * time.Second
	DefaultIOTimeout      = 2 * time.Second
	DefaultKeepAlive      = 15 * time.Second
	DefaultQueueCapacity  = 16
	DefaultEnqueueTimeout = 1000 * time.Millisecond
	DefaultGracePeriod    = 5 * time.Second
	DefaultRetryInterval  = 2 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultMaxHops        = 30
	DefaultHopTimeout     = 2500 * time.Millisecond
	DefaultLogLevel       = "info"
	DefaultMetricsPath    = "/metrics"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}

	// Session defaults
	if c.Session.MaxErrors == 0 {
		c.Session.MaxErrors = DefaultMaxErrors
	}
	if c.Session.Interval == 0 {
		c.Session.Interval = DefaultInterval
	}
	if c.Session.IOTimeout == 0 {
		c.Session.IOTimeout = DefaultIOTimeout
	}
	if c.Session.KeepAlive == 0 {
		c.Session.KeepAlive = DefaultKeepAlive
	}

	// Incoming defaults
	if c.Incoming.QueueCapacity == 0 {
		c.Incoming.QueueCapacity = DefaultQueueCapacity
	}
	if c.Incoming.EnqueueTimeout == 0 {
		c.Incoming.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.Incoming.GracePeriod == 0 {
		c.Incoming.GracePeriod = DefaultGracePeriod
	}

	// Outgoing defaults
	if c.Outgoing.RetryInterval == 0 {
		c.Outgoing.RetryInterval = DefaultRetryInterval
	}
	if c.Outgoing.DialTimeout == 0 {
		c.Outgoing.DialTimeout = DefaultDialTimeout
	}

	// Tracert defaults
	if c.Tracert.MaxHops == 0 {
		c.Tracert.MaxHops = DefaultMaxHops
	}
	if c.Tracert.Timeout == 0 {
		c.Tracert.Timeout = DefaultHopTimeout
	}

	// Output and metrics defaults
	if c.Output.LogLevel == "" {
		c.Output.LogLevel = DefaultLogLevel
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
