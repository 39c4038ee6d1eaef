// SPDX-License-Identifier: MIT

// Package config holds the daemon configuration. Values come from the
// environment with flag overrides; precedence is ENV > flag > default.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for every tunable limit.
const (
	DefaultListenAddr = ":8080"

	DefaultMUDHost = "prometheus-enterprises.com"
	DefaultMUDPort = 2223

	DefaultHistoryMaxBytes = 512 * 1024
	DefaultHistoryMaxLines = 2000

	DefaultCommandQueueMax = 10
	DefaultCommandMaxLen   = 512

	DefaultMaxSessions = 50

	DefaultIdleTimeout   = 10 * time.Minute
	DefaultSweepInterval = 60 * time.Second
	DefaultRemovalDelay  = 30 * time.Second
	DefaultQuitGrace     = 500 * time.Millisecond
	DefaultDrainGrace    = 2 * time.Second

	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadBuffer   = 4096

	DefaultFrameMaxBytes  = 64 * 1024
	DefaultFrameRate      = 20 // frames per second per transport
	DefaultFrameBurst     = 20
	DefaultWriteHighWater = 256

	DefaultPartialFlushInterval = 200 * time.Millisecond
	DefaultPartialFlushBytes    = 4096

	DefaultLogTailLines = 1000
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string

	// Upstream MUD endpoint.
	MUDHost string
	MUDPort int

	// Sound engine.
	RulesPath     string
	SoundBasePath string

	// Session limits.
	HistoryMaxBytes int
	HistoryMaxLines int
	CommandQueueMax int
	CommandMaxLen   int
	MaxSessions     int

	// Session lifecycle.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	RemovalDelay  time.Duration
	QuitGrace     time.Duration
	DrainGrace    time.Duration

	// Upstream IO.
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadBuffer   int

	// Transport limits.
	FrameMaxBytes  int64
	FrameRate      float64
	FrameBurst     int
	WriteHighWater int

	// Partial-line flushing.
	PartialFlushInterval time.Duration
	PartialFlushBytes    int

	// Observability.
	LogLevel     string
	LogTailLines int
	Debug        bool
	DebugSecret  string
}

// FromEnv builds a Config from environment variables, using defaults for
// anything unset. Flags in cmd/daemon may override individual fields
// afterwards when the corresponding env var is absent.
func FromEnv() Config {
	return Config{
		ListenAddr: ParseString("MUDGATE_LISTEN", DefaultListenAddr),

		MUDHost: ParseString("MUDGATE_MUD_HOST", DefaultMUDHost),
		MUDPort: ParseInt("MUDGATE_MUD_PORT", DefaultMUDPort),

		RulesPath:     ParseString("MUDGATE_RULES_PATH", ""),
		SoundBasePath: ParseString("MUDGATE_SOUND_BASE", "sounds"),

		HistoryMaxBytes: ParseInt("MUDGATE_HISTORY_MAX_BYTES", DefaultHistoryMaxBytes),
		HistoryMaxLines: ParseInt("MUDGATE_HISTORY_MAX_LINES", DefaultHistoryMaxLines),
		CommandQueueMax: ParseInt("MUDGATE_COMMAND_QUEUE_MAX", DefaultCommandQueueMax),
		CommandMaxLen:   ParseInt("MUDGATE_COMMAND_MAX_LEN", DefaultCommandMaxLen),
		MaxSessions:     ParseInt("MUDGATE_MAX_SESSIONS", DefaultMaxSessions),

		IdleTimeout:   ParseDuration("MUDGATE_IDLE_TIMEOUT", DefaultIdleTimeout),
		SweepInterval: ParseDuration("MUDGATE_SWEEP_INTERVAL", DefaultSweepInterval),
		RemovalDelay:  ParseDuration("MUDGATE_REMOVAL_DELAY", DefaultRemovalDelay),
		QuitGrace:     ParseDuration("MUDGATE_QUIT_GRACE", DefaultQuitGrace),
		DrainGrace:    ParseDuration("MUDGATE_DRAIN_GRACE", DefaultDrainGrace),

		DialTimeout:  ParseDuration("MUDGATE_DIAL_TIMEOUT", DefaultDialTimeout),
		WriteTimeout: ParseDuration("MUDGATE_WRITE_TIMEOUT", DefaultWriteTimeout),
		ReadBuffer:   ParseInt("MUDGATE_READ_BUFFER", DefaultReadBuffer),

		FrameMaxBytes:  int64(ParseInt("MUDGATE_FRAME_MAX_BYTES", DefaultFrameMaxBytes)),
		FrameRate:      float64(ParseInt("MUDGATE_FRAME_RATE", DefaultFrameRate)),
		FrameBurst:     ParseInt("MUDGATE_FRAME_BURST", DefaultFrameBurst),
		WriteHighWater: ParseInt("MUDGATE_WRITE_HIGHWATER", DefaultWriteHighWater),

		PartialFlushInterval: ParseDuration("MUDGATE_PARTIAL_FLUSH_INTERVAL", DefaultPartialFlushInterval),
		PartialFlushBytes:    ParseInt("MUDGATE_PARTIAL_FLUSH_BYTES", DefaultPartialFlushBytes),

		LogLevel:     ParseString("LOG_LEVEL", "info"),
		LogTailLines: ParseInt("MUDGATE_LOG_TAIL_LINES", DefaultLogTailLines),
		Debug:        ParseBool("DEBUG", false),
		DebugSecret:  ParseString("DEBUG_API_SECRET", ""),
	}
}

// Validate checks that the configuration is coherent. It returns a joined
// error listing every failure found.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if c.MUDHost == "" {
		errs = append(errs, errors.New("MUD host must not be empty"))
	}
	if c.MUDPort <= 0 || c.MUDPort > 65535 {
		errs = append(errs, fmt.Errorf("MUD port %d out of range", c.MUDPort))
	}
	if c.HistoryMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("history byte budget must be > 0, got %d", c.HistoryMaxBytes))
	}
	if c.HistoryMaxLines <= 0 {
		errs = append(errs, fmt.Errorf("history line budget must be > 0, got %d", c.HistoryMaxLines))
	}
	if c.CommandQueueMax <= 0 {
		errs = append(errs, fmt.Errorf("command queue size must be > 0, got %d", c.CommandQueueMax))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max sessions must be > 0, got %d", c.MaxSessions))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle timeout must be > 0, got %v", c.IdleTimeout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be > 0, got %v", c.SweepInterval))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream write timeout must be > 0, got %v", c.WriteTimeout))
	}
	if c.FrameMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("frame size limit must be > 0, got %d", c.FrameMaxBytes))
	}
	if c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("frame rate limit must be > 0, got %v", c.FrameRate))
	}
	if c.WriteHighWater <= 0 {
		errs = append(errs, fmt.Errorf("write high-water mark must be > 0, got %d", c.WriteHighWater))
	}

	return errors.Join(errs...)
}

// MUDAddr returns the upstream address in host:port form.
func (c *Config) MUDAddr() string {
	return fmt.Sprintf("%s:%d", c.MUDHost, c.MUDPort)
}
