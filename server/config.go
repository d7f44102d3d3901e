// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Functional-options configuration covering this module's own concerns:
// admission limit, poll timeout, TCP tuning, vectored-I/O toggle, rate
// limiting, and logging.
package server

import (
	"github.com/sirupsen/logrus"

	intrate "github.com/momentics/ewss/internal/rate"
)

// TCPTuning lists the optional per-socket tuning knobs the reactor applies
// to every accepted connection. A zero value disables all of them.
type TCPTuning struct {
	NoDelay       bool
	QuickAck      bool
	KeepAlive     bool
	KeepIdleSecs  int
	KeepIntvlSecs int
	KeepCount     int
}

// DefaultTCPTuning enables low-latency framing with keepalive at
// conservative intervals.
func DefaultTCPTuning() TCPTuning {
	return TCPTuning{
		NoDelay:       true,
		QuickAck:      true,
		KeepAlive:     true,
		KeepIdleSecs:  60,
		KeepIntvlSecs: 10,
		KeepCount:     3,
	}
}

// Config holds every Server construction parameter. Use DefaultConfig and
// apply Options rather than constructing this directly.
type Config struct {
	BindAddr       string
	Port           int
	MaxConnections int
	PollTimeoutMs  int
	UseWritev      bool
	TCPTuning      TCPTuning
	RateLimit      intrate.Config
	Logger         *logrus.Logger
	ServiceName    string
	ServiceVersion string
	Backend        Backend
}

// DefaultConfig returns conservative embedded-target defaults: capacity
// 64, 1000ms poll timeout, vectored I/O on, TCP tuning on, rate limiting
// on.
func DefaultConfig() Config {
	return Config{
		BindAddr:       "",
		MaxConnections: 64,
		PollTimeoutMs:  1000,
		UseWritev:      true,
		TCPTuning:      DefaultTCPTuning(),
		RateLimit:      intrate.DefaultConfig(),
		ServiceName:    "ewss",
		ServiceVersion: "dev",
		Backend:        BackendPoll,
	}
}

// Option customizes a Config before New constructs a Server.
type Option func(*Config)

// WithBindAddr overrides the default all-interfaces bind address.
func WithBindAddr(addr string) Option {
	return func(c *Config) { c.BindAddr = addr }
}

// WithMaxConnections sets the admission limit (container capacity).
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithPollTimeoutMs sets the blocking-wait timeout for each reactor
// iteration.
func WithPollTimeoutMs(ms int) Option {
	return func(c *Config) { c.PollTimeoutMs = ms }
}

// WithTCPTuning replaces the default socket tuning options.
func WithTCPTuning(t TCPTuning) Option {
	return func(c *Config) { c.TCPTuning = t }
}

// WithUseWritev toggles between the vectored write path (default) and the
// scalar kTempReadSize-chunked fallback on every accepted connection.
func WithUseWritev(v bool) Option {
	return func(c *Config) { c.UseWritev = v }
}

// WithRateLimit installs a per-connection inbound message-rate limiter.
func WithRateLimit(cfg intrate.Config) Option {
	return func(c *Config) { c.RateLimit = cfg }
}

// WithLogger injects a *logrus.Logger; DefaultConfig leaves this nil and
// New falls back to logging.New().
func WithLogger(l *logrus.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithServiceInfo sets the name/version reported by Server.ServiceInfo.
func WithServiceInfo(name, version string) Option {
	return func(c *Config) {
		c.ServiceName = name
		c.ServiceVersion = version
	}
}

// WithBackend selects the pollBackend implementation.
func WithBackend(b Backend) Option {
	return func(c *Config) { c.Backend = b }
}
