package config

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	c := qt.New(t)

	s, err := Open(filepath.Join(c.TempDir(), "config.json"))
	c.Assert(err, qt.IsNil)

	cfg := s.Current()
	c.Assert(cfg.Reliability.RateLimit.Enabled, qt.IsTrue)
	c.Assert(cfg.Reliability.RateLimit.MaxPerWindow, qt.Equals, 60)
	c.Assert(cfg.Reliability.RateLimit.WindowSecs, qt.Equals, 60)
	c.Assert(cfg.Reliability.CircuitBreaker.FailureThreshold, qt.Equals, 5)
	c.Assert(cfg.Reliability.CircuitBreaker.CooldownMs, qt.Equals, int64(30000))
	c.Assert(cfg.Reliability.Backpressure.MaxMailboxSize, qt.Equals, 1000)
	c.Assert(cfg.Reliability.Backpressure.PressureWarningAt, qt.Equals, 0.8)
}

func TestFileOverridesDefaults(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "config.json")
	c.Assert(os.WriteFile(path, []byte(`{
		"reliability": {"rateLimit": {"enabled": false, "maxPerWindow": 5}}
	}`), 0644), qt.IsNil)

	s, err := Open(path)
	c.Assert(err, qt.IsNil)

	cfg := s.Current()
	c.Assert(cfg.Reliability.RateLimit.Enabled, qt.IsFalse)
	c.Assert(cfg.Reliability.RateLimit.MaxPerWindow, qt.Equals, 5)
	// Untouched sections keep their defaults.
	c.Assert(cfg.Reliability.RateLimit.WindowSecs, qt.Equals, 60)
	c.Assert(cfg.Reliability.Backpressure.MaxMailboxSize, qt.Equals, 1000)
}

func TestMalformedFileFailsOpen(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "config.json")
	c.Assert(os.WriteFile(path, []byte(`{nope`), 0644), qt.IsNil)

	_, err := Open(path)
	c.Assert(err, qt.IsNotNil)
}

func TestReloadKeepsLastGoodOnError(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "config.json")
	c.Assert(os.WriteFile(path, []byte(`{"reliability": {"rateLimit": {"maxPerWindow": 7}}}`), 0644), qt.IsNil)

	s, err := Open(path)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Current().Reliability.RateLimit.MaxPerWindow, qt.Equals, 7)

	// Corrupt the file; the snapshot survives.
	c.Assert(os.WriteFile(path, []byte(`{nope`), 0644), qt.IsNil)
	s.Reload()
	c.Assert(s.Current().Reliability.RateLimit.MaxPerWindow, qt.Equals, 7)

	// Fix it; the snapshot swaps.
	c.Assert(os.WriteFile(path, []byte(`{"reliability": {"rateLimit": {"maxPerWindow": 9}}}`), 0644), qt.IsNil)
	s.Reload()
	c.Assert(s.Current().Reliability.RateLimit.MaxPerWindow, qt.Equals, 9)
}
