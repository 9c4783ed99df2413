// Package config loads relay settings from the environment.
//
// Every setting has a default, so an empty environment yields a working
// single-process relay:
//
//	RELAY_LISTEN            TCP client endpoint            :9000
//	RELAY_WS_LISTEN         WebSocket endpoint, "" = off   ""
//	RELAY_ADMIN_ADDR        admin HTTP endpoint            :9090
//	RELAY_SHARDS            number of shards               4
//	RELAY_CHANNELS          comma separated catalog        CH1,CH2,CH3
//	RELAY_NICKNAME_TIMEOUT  pending request lifetime       5s
//	RELAY_MAX_FRAME         maximum payload bytes          65536
//	RELAY_SEND_QUEUE        per-connection outbound queue  64
//	RELAY_HEARTBEAT         shard heartbeat interval       1s
//	RELAY_LOG_LEVEL         debug, info, warn, error       info
//	RELAY_LOG_FORMAT        json or console                json
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete relay configuration.
type Config struct {
	Listen          string
	WSListen        string
	AdminAddr       string
	Shards          int
	Channels        []string
	NicknameTimeout time.Duration
	MaxFrame        int
	SendQueue       int
	Heartbeat       time.Duration
	LogLevel        zapcore.Level
	LogFormat       string
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		Listen:          ":9000",
		AdminAddr:       ":9090",
		Shards:          4,
		Channels:        []string{"CH1", "CH2", "CH3"},
		NicknameTimeout: 5 * time.Second,
		MaxFrame:        64 << 10,
		SendQueue:       64,
		Heartbeat:       time.Second,
		LogLevel:        zapcore.InfoLevel,
		LogFormat:       "json",
	}
}

// Load reads the RELAY_* variables over the defaults. All parse and
// validation problems are reported together.
func Load() (Config, error) {
	cfg := Default()
	var errs error

	cfg.Listen = getenv("RELAY_LISTEN", cfg.Listen)
	cfg.WSListen = getenv("RELAY_WS_LISTEN", cfg.WSListen)
	cfg.AdminAddr = getenv("RELAY_ADMIN_ADDR", cfg.AdminAddr)
	cfg.LogFormat = getenv("RELAY_LOG_FORMAT", cfg.LogFormat)

	if v := os.Getenv("RELAY_CHANNELS"); v != "" {
		cfg.Channels = splitList(v)
	}

	var err error
	if cfg.Shards, err = intEnv("RELAY_SHARDS", cfg.Shards); err != nil {
		errs = multierr.Append(errs, err)
	}
	if cfg.MaxFrame, err = intEnv("RELAY_MAX_FRAME", cfg.MaxFrame); err != nil {
		errs = multierr.Append(errs, err)
	}
	if cfg.SendQueue, err = intEnv("RELAY_SEND_QUEUE", cfg.SendQueue); err != nil {
		errs = multierr.Append(errs, err)
	}
	if cfg.NicknameTimeout, err = durationEnv("RELAY_NICKNAME_TIMEOUT", cfg.NicknameTimeout); err != nil {
		errs = multierr.Append(errs, err)
	}
	if cfg.Heartbeat, err = durationEnv("RELAY_HEARTBEAT", cfg.Heartbeat); err != nil {
		errs = multierr.Append(errs, err)
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		if cfg.LogLevel, err = zapcore.ParseLevel(v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("RELAY_LOG_LEVEL: %w", err))
		}
	}

	if errs != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and required values.
func (c Config) Validate() error {
	var errs error
	if c.Listen == "" {
		errs = multierr.Append(errs, errors.New("listen address is required"))
	}
	if c.Shards < 1 {
		errs = multierr.Append(errs, fmt.Errorf("shards must be at least 1, got %d", c.Shards))
	}
	if len(c.Channels) == 0 {
		errs = multierr.Append(errs, errors.New("at least one channel is required"))
	}
	if c.NicknameTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("nickname timeout must be positive, got %s", c.NicknameTimeout))
	}
	if c.Heartbeat <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("heartbeat must be positive, got %s", c.Heartbeat))
	}
	if c.MaxFrame < 64 {
		errs = multierr.Append(errs, fmt.Errorf("max frame must be at least 64 bytes, got %d", c.MaxFrame))
	}
	if c.SendQueue < 1 {
		errs = multierr.Append(errs, fmt.Errorf("send queue must be at least 1, got %d", c.SendQueue))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = multierr.Append(errs, fmt.Errorf("log format must be json or console, got %q", c.LogFormat))
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

// getenv retrieves an environment variable with a fallback default.
// An empty value counts as unset.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func intEnv(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func durationEnv(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

// splitList splits a comma separated list, trimming spaces and dropping
// empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
