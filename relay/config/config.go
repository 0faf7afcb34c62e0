// Package config loads the bus reliability settings from the data
// directory's config.json and keeps a hot-swappable snapshot of them.
package config

import (
	"io/fs"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RateLimit bounds how many messages a single sender may publish within
// a sliding window.
type RateLimit struct {
	Enabled      bool `koanf:"enabled"`
	MaxPerWindow int  `koanf:"maxPerWindow"`
	WindowSecs   int  `koanf:"windowSecs"`
}

// CircuitBreaker configures the per-endpoint failure breaker.
type CircuitBreaker struct {
	Enabled          bool  `koanf:"enabled"`
	FailureThreshold int   `koanf:"failureThreshold"`
	CooldownMs       int64 `koanf:"cooldownMs"`
}

// Backpressure configures mailbox saturation handling.
type Backpressure struct {
	Enabled           bool    `koanf:"enabled"`
	MaxMailboxSize    int     `koanf:"maxMailboxSize"`
	PressureWarningAt float64 `koanf:"pressureWarningAt"`
}

// Reliability groups the three gating policies.
type Reliability struct {
	RateLimit      RateLimit      `koanf:"rateLimit"`
	CircuitBreaker CircuitBreaker `koanf:"circuitBreaker"`
	Backpressure   Backpressure   `koanf:"backpressure"`
}

// Config is the on-disk configuration shape.
type Config struct {
	Reliability Reliability `koanf:"reliability"`
}

var defaults = []byte(`{
	"reliability": {
		"rateLimit":      {"enabled": true, "maxPerWindow": 60, "windowSecs": 60},
		"circuitBreaker": {"enabled": true, "failureThreshold": 5, "cooldownMs": 30000},
		"backpressure":   {"enabled": true, "maxMailboxSize": 1000, "pressureWarningAt": 0.8}
	}
}`)

var jsonParser = json.Parser()

// Source loads config.json and serves the current snapshot. Reload swaps
// the snapshot atomically; a malformed file keeps the previous snapshot.
type Source struct {
	path    string
	current atomic.Pointer[Config]
	log     zerolog.Logger
}

// Open loads the configuration. A missing file yields the defaults;
// a malformed file is an error at open time (unlike reloads).
func Open(path string) (*Source, error) {
	s := &Source{
		path: path,
		log:  log.With().Str("component", "config").Logger(),
	}
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the active snapshot. The returned value is shared;
// callers must not mutate it.
func (s *Source) Current() *Config {
	return s.current.Load()
}

// Reload re-reads the file. On failure the previous snapshot stays active.
func (s *Source) Reload() {
	cfg, err := load(s.path)
	if err != nil {
		s.log.Warn().Err(err).Msg("config reload failed, keeping previous settings")
		return
	}
	s.current.Store(cfg)
	s.log.Info().Msg("reliability settings reloaded")
}

// Path returns the config file being watched.
func (s *Source) Path() string { return s.path }

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaults), jsonParser); err != nil {
		return nil, errors.Wrap(err, "load config defaults")
	}
	if err := k.Load(file.Provider(path), jsonParser); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "parse config file")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}
