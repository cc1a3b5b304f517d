// Copyright 2025 The AnyRouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the fields the optimizer core reads. The GUI layer
// keeps its own settings elsewhere; unknown YAML keys are ignored on load
// and not preserved on save.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// Endpoint is one user-declared HTTPS target to optimize. Domain is the
// name actually probed and bound; URL is kept for display.
type Endpoint struct {
	Name    string `yaml:"name" json:"name"`
	URL     string `yaml:"url" json:"url"`
	Domain  string `yaml:"domain" json:"domain"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// Hysteresis are the switching-policy knobs. The defaults reproduce the
// reference behavior; they are configuration so deployments can tune them
// without a rebuild.
type Hysteresis struct {
	TTFBWeight         float64 `yaml:"ttfb_weight"`
	TotalWeight        float64 `yaml:"total_weight"`
	RatioThreshold     float64 `yaml:"ratio_threshold"`
	AbsoluteFloorMS    float64 `yaml:"absolute_floor_ms"`
	BetterStreakToPin  int     `yaml:"better_streak_to_pin"`
	WorseStreakToUnpin int     `yaml:"worse_streak_to_unpin"`
	SwitchCooldownSec  int     `yaml:"switch_cooldown"`
}

// Cooldown returns the post-switch cooldown window.
func (h Hysteresis) Cooldown() time.Duration {
	return time.Duration(h.SwitchCooldownSec) * time.Second
}

// Probe bounds the latency tester.
type Probe struct {
	CandidateTimeoutSec int `yaml:"candidate_timeout"`
	EndpointTimeoutSec  int `yaml:"endpoint_timeout"`
	BatchTimeoutSec     int `yaml:"batch_timeout"`
	EndpointConcurrency int `yaml:"endpoint_concurrency"`
	MaxCandidates       int `yaml:"max_candidates"`
}

func (p Probe) CandidateTimeout() time.Duration {
	return time.Duration(p.CandidateTimeoutSec) * time.Second
}

func (p Probe) EndpointTimeout() time.Duration {
	return time.Duration(p.EndpointTimeoutSec) * time.Second
}

func (p Probe) BatchTimeout() time.Duration {
	return time.Duration(p.BatchTimeoutSec) * time.Second
}

// Config is the whole file.
type Config struct {
	Endpoints        []Endpoint `yaml:"endpoints"`
	CheckIntervalSec int        `yaml:"check_interval"`
	SlowThreshold    int        `yaml:"slow_threshold"`
	FailureThreshold int        `yaml:"failure_threshold"`
	TestRounds       int        `yaml:"test_rounds"`
	CustomEdgeIPs    []string   `yaml:"custom_edge_ips"`
	EdgeIPURL        string     `yaml:"edge_ip_url"`
	HelperSocket     string     `yaml:"helper_socket"`
	HistoryDB        string     `yaml:"history_db"`
	MetricsListen    string     `yaml:"metrics_listen"`
	Hysteresis       Hysteresis `yaml:"hysteresis"`
	Probe            Probe      `yaml:"probe"`
}

// CheckInterval returns the monitor loop period.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// EnabledEndpoints returns the endpoints the monitor loop works on.
func (c *Config) EnabledEndpoints() []Endpoint {
	var out []Endpoint
	for _, ep := range c.Endpoints {
		if ep.Enabled {
			out = append(out, ep)
		}
	}
	return out
}

// Default returns the configuration the reference deployment ships with.
func Default() *Config {
	return &Config{
		Endpoints: []Endpoint{
			{Name: "AnyRouter", URL: "https://anyrouter.top", Domain: "anyrouter.top", Enabled: true},
		},
		CheckIntervalSec: 120,
		SlowThreshold:    150,
		FailureThreshold: 5,
		TestRounds:       3,
		Hysteresis: Hysteresis{
			TTFBWeight:         0.7,
			TotalWeight:        0.3,
			RatioThreshold:     0.2,
			AbsoluteFloorMS:    50,
			BetterStreakToPin:  3,
			WorseStreakToUnpin: 3,
			SwitchCooldownSec:  600,
		},
		Probe: Probe{
			CandidateTimeoutSec: 5,
			EndpointTimeoutSec:  15,
			BatchTimeoutSec:     60,
			EndpointConcurrency: 8,
			MaxCandidates:       15,
		},
	}
}

// normalize fills zero fields with defaults so a sparse file behaves like a
// full one.
func (c *Config) normalize() {
	d := Default()
	if c.CheckIntervalSec <= 0 {
		c.CheckIntervalSec = d.CheckIntervalSec
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = d.SlowThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.TestRounds <= 0 {
		c.TestRounds = d.TestRounds
	}
	if c.TestRounds > 5 {
		c.TestRounds = 5
	}
	h, dh := &c.Hysteresis, d.Hysteresis
	if h.TTFBWeight <= 0 && h.TotalWeight <= 0 {
		h.TTFBWeight, h.TotalWeight = dh.TTFBWeight, dh.TotalWeight
	}
	if h.RatioThreshold <= 0 {
		h.RatioThreshold = dh.RatioThreshold
	}
	if h.AbsoluteFloorMS <= 0 {
		h.AbsoluteFloorMS = dh.AbsoluteFloorMS
	}
	if h.BetterStreakToPin <= 0 {
		h.BetterStreakToPin = dh.BetterStreakToPin
	}
	if h.WorseStreakToUnpin <= 0 {
		h.WorseStreakToUnpin = dh.WorseStreakToUnpin
	}
	if h.SwitchCooldownSec <= 0 {
		h.SwitchCooldownSec = dh.SwitchCooldownSec
	}
	p, dp := &c.Probe, d.Probe
	if p.CandidateTimeoutSec <= 0 {
		p.CandidateTimeoutSec = dp.CandidateTimeoutSec
	}
	if p.EndpointTimeoutSec <= 0 {
		p.EndpointTimeoutSec = dp.EndpointTimeoutSec
	}
	if p.BatchTimeoutSec <= 0 {
		p.BatchTimeoutSec = dp.BatchTimeoutSec
	}
	if p.EndpointConcurrency <= 0 {
		p.EndpointConcurrency = dp.EndpointConcurrency
	}
	if p.MaxCandidates <= 0 {
		p.MaxCandidates = dp.MaxCandidates
	}
}

// Validate rejects configurations the core cannot act on.
func (c *Config) Validate() error {
	for i, ep := range c.Endpoints {
		if ep.Domain == "" {
			return fmt.Errorf("endpoint %d (%q): domain must not be empty", i, ep.Name)
		}
	}
	if c.Hysteresis.TTFBWeight < 0 || c.Hysteresis.TotalWeight < 0 {
		return errors.New("hysteresis weights must not be negative")
	}
	if c.Hysteresis.TTFBWeight+c.Hysteresis.TotalWeight == 0 {
		return errors.New("hysteresis weights must not both be zero")
	}
	return nil
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "anyrouter", "config.yaml")
}

// DefaultStatePath returns where the controller persists hysteresis state,
// next to the config.
func DefaultStatePath() string {
	return filepath.Join(filepath.Dir(DefaultPath()), "state.json")
}

// DefaultHistoryPath returns the default history database location.
func DefaultHistoryPath() string {
	return filepath.Join(filepath.Dir(DefaultPath()), "history.db")
}

// Load reads path, or returns the default configuration when the file does
// not exist yet.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
