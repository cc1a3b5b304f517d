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

package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/anyrouter/anyrouter/internal/config"
	"github.com/anyrouter/anyrouter/internal/gateway"
	"github.com/anyrouter/anyrouter/internal/history"
	"github.com/anyrouter/anyrouter/internal/hostsfile"
	"github.com/anyrouter/anyrouter/internal/probe"
	"github.com/anyrouter/anyrouter/internal/selector"
)

// fakeProber serves canned measurements. Missing entries mean failure, so
// the zero value is a prober for a world where nothing answers.
type fakeProber struct {
	mu          sync.Mutex
	outcomes    map[string]probe.Outcome // domain -> full-sweep outcome
	ipSamples   map[string]probe.Sample  // "domain|ip" -> targeted sample
	resolved    map[string][]string      // domain -> fresh DNS answer
	invalidated []string
}

func (f *fakeProber) TestEndpoint(_ context.Context, ep config.Endpoint) probe.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outcomes[ep.Domain]
	if !ok {
		return probe.Outcome{Endpoint: ep, Err: errors.New("no canned outcome")}
	}
	out.Endpoint = ep
	return out
}

func (f *fakeProber) TestAll(ctx context.Context, endpoints []config.Endpoint) []probe.Outcome {
	outs := make([]probe.Outcome, len(endpoints))
	for i, ep := range endpoints {
		outs[i] = f.TestEndpoint(ctx, ep)
	}
	return outs
}

func (f *fakeProber) ProbeIP(_ context.Context, domain, ip string) probe.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.ipSamples[domain+"|"+ip]; ok {
		return s
	}
	return probe.Sample{IP: ip, Err: errors.New("no canned sample")}
}

func (f *fakeProber) FreshResolve(_ context.Context, domain string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ips := f.resolved[domain]
	if len(ips) == 0 {
		return nil, errors.New("no canned resolution")
	}
	return ips, nil
}

func (f *fakeProber) Invalidate(domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, domain)
}

func (f *fakeProber) invalidatedDomains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}

type fakeSink struct {
	mu      sync.Mutex
	records []history.Record
}

func (f *fakeSink) Add(_ context.Context, records []history.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeSink) all() []history.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Record(nil), f.records...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Endpoints = []config.Endpoint{
		{Name: "api", URL: "https://api.example", Domain: "api.example", Enabled: true},
	}
	return cfg
}

func newTestController(t *testing.T, cfg *config.Config, p Prober, sink RecordSink) (*Controller, *gateway.Gateway) {
	t.Helper()
	dir := t.TempDir()
	hostsPath := filepath.Join(dir, "hosts")
	require.NoError(t, os.WriteFile(hostsPath, []byte("127.0.0.1 localhost\n"), 0o644))
	gw := gateway.New(hostsfile.NewStore(hostsPath), nil)
	c, err := New(Options{
		Config:    cfg,
		Prober:    p,
		Gateway:   gw,
		History:   sink,
		StatePath: filepath.Join(dir, "state.json"),
	})
	require.NoError(t, err)
	return c, gw
}

func ipSample(ip string, ttfb, total int) probe.Sample {
	s := sampleMS(ttfb, total)
	s.IP = ip
	return s
}

func stateOf(c *Controller, domain string) domainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.domains[domain]
	if st == nil {
		return domainState{Mode: ModeDNS}
	}
	return *st
}

func setState(c *Controller, domain string, st domainState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.domains[domain] = &st
}

func mutateState(c *Controller, domain string, fn func(*domainState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.domains[domain])
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.ErrorContains(t, err, "Config")

	_, err = New(Options{Config: testConfig()})
	require.ErrorContains(t, err, "Prober")

	_, err = New(Options{Config: testConfig(), Prober: &fakeProber{}})
	require.ErrorContains(t, err, "Gateway")
}

func TestCyclePinsOnlyAfterStreak(t *testing.T) {
	fp := &fakeProber{
		outcomes: map[string]probe.Outcome{
			"api.example": {
				OriginalIP: "198.51.100.1",
				Samples: []probe.Sample{
					ipSample("198.51.100.1", 150, 200),
					ipSample("203.0.113.5", 40, 80),
				},
			},
		},
	}
	sink := &fakeSink{}
	c, gw := newTestController(t, testConfig(), fp, sink)
	ctx := context.Background()

	for cycle := 1; cycle <= 2; cycle++ {
		c.runCycle(ctx)
		st := stateOf(c, "api.example")
		require.Equal(t, ModeDNS, st.Mode, "cycle %d must not pin yet", cycle)
		require.Equal(t, cycle, st.BetterStreak)
		bindings, err := gw.Bindings(ctx)
		require.NoError(t, err)
		require.Empty(t, bindings)
	}

	c.runCycle(ctx)

	st := stateOf(c, "api.example")
	require.Equal(t, ModePinned, st.Mode)
	require.Equal(t, "203.0.113.5", st.PinnedIP)
	require.InDelta(t, 0.7*40+0.3*80, st.Baseline, 1e-9)
	require.Zero(t, st.BetterStreak)
	require.False(t, st.LastSwitch.IsZero(), "a pin starts the cooldown")

	bindings, err := gw.Bindings(ctx)
	require.NoError(t, err)
	require.Equal(t, []hostsfile.Binding{{Domain: "api.example", IP: "203.0.113.5"}}, bindings)

	recs := sink.all()
	require.Len(t, recs, 1)
	require.True(t, recs[0].Applied)
	require.Equal(t, "api.example", recs[0].Domain)
	require.InDelta(t, 200, recs[0].OriginalMS, 1e-9)
	require.InDelta(t, 80, recs[0].OptimizedMS, 1e-9)
	require.Contains(t, fp.invalidatedDomains(), "api.example")

	loaded := loadState(c.statePath)
	require.Equal(t, ModePinned, loaded["api.example"].Mode, "the transition must survive a restart")

	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.SwitchesTotal.WithLabelValues("pin")))
}

func TestCycleResetsStreakOnOrdinaryWin(t *testing.T) {
	// The candidate wins, but only by 40ms on a 130ms score: below the
	// 50ms floor, so the streak must not advance.
	fp := &fakeProber{
		outcomes: map[string]probe.Outcome{
			"api.example": {
				OriginalIP: "198.51.100.1",
				Samples: []probe.Sample{
					ipSample("198.51.100.1", 100, 200),
					ipSample("203.0.113.5", 60, 160),
				},
			},
		},
	}
	c, gw := newTestController(t, testConfig(), fp, &fakeSink{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		c.runCycle(ctx)
	}
	st := stateOf(c, "api.example")
	require.Equal(t, ModeDNS, st.Mode)
	require.Zero(t, st.BetterStreak)
	bindings, err := gw.Bindings(ctx)
	require.NoError(t, err)
	require.Empty(t, bindings)
}

func TestCyclePinBlockedByCooldown(t *testing.T) {
	fp := &fakeProber{
		outcomes: map[string]probe.Outcome{
			"api.example": {
				OriginalIP: "198.51.100.1",
				Samples: []probe.Sample{
					ipSample("198.51.100.1", 150, 200),
					ipSample("203.0.113.5", 40, 80),
				},
			},
		},
	}
	c, gw := newTestController(t, testConfig(), fp, &fakeSink{})
	ctx := context.Background()
	setState(c, "api.example", domainState{Mode: ModeDNS, BetterStreak: 2, LastSwitch: time.Now()})

	c.runCycle(ctx)

	st := stateOf(c, "api.example")
	require.Equal(t, ModeDNS, st.Mode, "the streak is there but the cooldown holds")
	require.Equal(t, 3, st.BetterStreak)
	bindings, err := gw.Bindings(ctx)
	require.NoError(t, err)
	require.Empty(t, bindings)

	// Once the cooldown expires the held evidence converts immediately.
	mutateState(c, "api.example", func(st *domainState) {
		st.LastSwitch = time.Now().Add(-11 * time.Minute)
	})
	c.runCycle(ctx)
	require.Equal(t, ModePinned, stateOf(c, "api.example").Mode)
}

func TestCycleHardUnpinBypassesCooldown(t *testing.T) {
	fp := &fakeProber{
		resolved: map[string][]string{"api.example": {"198.51.100.1"}},
		ipSamples: map[string]probe.Sample{
			"api.example|198.51.100.1": ipSample("198.51.100.1", 150, 200),
			// No entry for the pinned address: every probe of it fails.
		},
	}
	sink := &fakeSink{}
	c, gw := newTestController(t, testConfig(), fp, sink)
	ctx := context.Background()
	require.NoError(t, gw.WriteBinding(ctx, "api.example", "203.0.113.5"))
	setState(c, "api.example", domainState{
		Mode:       ModePinned,
		PinnedIP:   "203.0.113.5",
		Baseline:   52,
		LastSwitch: time.Now(), // cooldown active
		FailStreak: 4,
	})

	c.runCycle(ctx)

	st := stateOf(c, "api.example")
	require.Equal(t, ModeDNS, st.Mode, "reachability failures must unpin despite the cooldown")
	require.Empty(t, st.PinnedIP)
	bindings, err := gw.Bindings(ctx)
	require.NoError(t, err)
	require.Empty(t, bindings)

	recs := sink.all()
	require.Len(t, recs, 1)
	require.False(t, recs[0].Applied)
	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.SwitchesTotal.WithLabelValues("unpin")))
}

func TestCycleSoftUnpinWaitsForCooldown(t *testing.T) {
	fp := &fakeProber{
		resolved: map[string][]string{"api.example": {"198.51.100.1"}},
		ipSamples: map[string]probe.Sample{
			"api.example|198.51.100.1": ipSample("198.51.100.1", 40, 80),
			"api.example|203.0.113.5":  ipSample("203.0.113.5", 500, 600),
		},
	}
	c, gw := newTestController(t, testConfig(), fp, &fakeSink{})
	ctx := context.Background()
	require.NoError(t, gw.WriteBinding(ctx, "api.example", "203.0.113.5"))
	setState(c, "api.example", domainState{
		Mode:        ModePinned,
		PinnedIP:    "203.0.113.5",
		Baseline:    52,
		LastSwitch:  time.Now(),
		WorseStreak: 2,
	})

	c.runCycle(ctx)

	st := stateOf(c, "api.example")
	require.Equal(t, ModePinned, st.Mode, "a degraded pin still waits out the cooldown")
	require.Equal(t, 3, st.WorseStreak)

	mutateState(c, "api.example", func(st *domainState) {
		st.LastSwitch = time.Now().Add(-11 * time.Minute)
	})
	c.runCycle(ctx)

	st = stateOf(c, "api.example")
	require.Equal(t, ModeDNS, st.Mode)
	require.False(t, st.LastSwitch.IsZero(), "a quality unpin starts a fresh cooldown")
	bindings, err := gw.Bindings(ctx)
	require.NoError(t, err)
	require.Empty(t, bindings)
}

func TestCycleHealsStalePins(t *testing.T) {
	t.Run("pin without address", func(t *testing.T) {
		c, _ := newTestController(t, testConfig(), &fakeProber{}, &fakeSink{})
		setState(c, "api.example", domainState{Mode: ModePinned, Baseline: 52, FailStreak: 3})

		c.runCycle(context.Background())

		st := stateOf(c, "api.example")
		require.Equal(t, ModeDNS, st.Mode)
		require.Zero(t, st.Baseline)
		require.Zero(t, st.FailStreak)
		require.Equal(t, ModeDNS, loadState(c.statePath)["api.example"].Mode)
	})

	t.Run("pin outside the preferred list", func(t *testing.T) {
		cfg := testConfig()
		cfg.CustomEdgeIPs = []string{"203.0.113.9"}
		c, gw := newTestController(t, cfg, &fakeProber{}, &fakeSink{})
		ctx := context.Background()
		require.NoError(t, gw.WriteBinding(ctx, "api.example", "203.0.113.5"))
		setState(c, "api.example", domainState{Mode: ModePinned, PinnedIP: "203.0.113.5", Baseline: 52})

		c.runCycle(ctx)

		st := stateOf(c, "api.example")
		require.Equal(t, ModeDNS, st.Mode)
		require.True(t, st.LastSwitch.IsZero(), "healing is not a switch and starts no cooldown")
		bindings, err := gw.Bindings(ctx)
		require.NoError(t, err)
		require.Empty(t, bindings)
	})
}

func TestStopWorkflowClearsManagedEntries(t *testing.T) {
	c, gw := newTestController(t, testConfig(), &fakeProber{}, &fakeSink{})
	ctx := context.Background()
	require.NoError(t, gw.WriteBinding(ctx, "api.example", "203.0.113.5"))
	setState(c, "api.example", domainState{Mode: ModePinned, PinnedIP: "203.0.113.5", Baseline: 52})

	require.NoError(t, c.Start(ctx))
	require.True(t, c.Running())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))

	require.False(t, c.Running())
	bindings, err := gw.Bindings(ctx)
	require.NoError(t, err)
	require.Empty(t, bindings, "stopping must leave no managed entries behind")
	require.Equal(t, ModeDNS, stateOf(c, "api.example").Mode)
}

func TestStartTwiceErrors(t *testing.T) {
	c, _ := newTestController(t, testConfig(), &fakeProber{}, &fakeSink{})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.ErrorIs(t, c.Start(ctx), ErrAlreadyRunning)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))

	// A stopped controller may be started again.
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(stopCtx))
}

func TestApplyResultPinsAndRecords(t *testing.T) {
	fp := &fakeProber{}
	sink := &fakeSink{}
	c, gw := newTestController(t, testConfig(), fp, sink)
	ctx := context.Background()

	res := selector.EndpointResult{
		Endpoint:          config.Endpoint{Name: "api", Domain: "api.example"},
		IP:                "203.0.113.5",
		LatencyMS:         80,
		TTFBMS:            40,
		Success:           true,
		OriginalIP:        "198.51.100.1",
		OriginalLatencyMS: 200,
		SpeedupPercent:    60,
	}
	require.NoError(t, c.ApplyResult(ctx, res))

	ip, ok, err := gw.ReadBinding(ctx, "api.example")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "203.0.113.5", ip)

	st := stateOf(c, "api.example")
	require.Equal(t, ModePinned, st.Mode)
	require.InDelta(t, 0.7*40+0.3*80, st.Baseline, 1e-9)
	require.False(t, st.LastSwitch.IsZero(), "a manual apply starts a cooldown")

	recs := sink.all()
	require.Len(t, recs, 1)
	require.True(t, recs[0].Applied)
	require.InDelta(t, 200, recs[0].OriginalMS, 1e-9)
	require.Contains(t, fp.invalidatedDomains(), "api.example")

	require.Error(t, c.ApplyResult(ctx, selector.EndpointResult{
		Endpoint: config.Endpoint{Domain: "api.example"},
	}), "a failed verdict has no address to apply")
}

func TestUnbindReturnsDomainToDNS(t *testing.T) {
	c, gw := newTestController(t, testConfig(), &fakeProber{}, &fakeSink{})
	ctx := context.Background()

	res := selector.EndpointResult{
		Endpoint:  config.Endpoint{Name: "api", Domain: "api.example"},
		IP:        "203.0.113.5",
		LatencyMS: 80,
		TTFBMS:    40,
		Success:   true,
	}
	require.NoError(t, c.ApplyResult(ctx, res))
	require.NoError(t, c.Unbind(ctx, "api.example"))

	_, ok, err := gw.ReadBinding(ctx, "api.example")
	require.NoError(t, err)
	require.False(t, ok)

	st := stateOf(c, "api.example")
	require.Equal(t, ModeDNS, st.Mode)
	require.Empty(t, st.PinnedIP)
	require.False(t, st.LastSwitch.IsZero(), "unbind does not erase the apply's cooldown")
}

func TestApplyAllProbesWhenNothingCached(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoints = append(cfg.Endpoints, config.Endpoint{
		Name: "down", URL: "https://down.example", Domain: "down.example", Enabled: true,
	})
	fp := &fakeProber{
		outcomes: map[string]probe.Outcome{
			"api.example": {
				OriginalIP: "198.51.100.1",
				Samples: []probe.Sample{
					ipSample("198.51.100.1", 150, 200),
					ipSample("203.0.113.5", 40, 80),
				},
			},
			// down.example has no outcome and fails.
		},
	}
	c, gw := newTestController(t, cfg, fp, &fakeSink{})
	ctx := context.Background()

	n, err := c.ApplyAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	bindings, err := gw.Bindings(ctx)
	require.NoError(t, err)
	require.Equal(t, []hostsfile.Binding{{Domain: "api.example", IP: "203.0.113.5"}}, bindings)
	require.Equal(t, ModePinned, stateOf(c, "api.example").Mode)
	require.Equal(t, ModeDNS, stateOf(c, "down.example").Mode)
}

func TestApplyAllWithNoSuccesses(t *testing.T) {
	c, _ := newTestController(t, testConfig(), &fakeProber{}, &fakeSink{})
	_, err := c.ApplyAll(context.Background())
	require.ErrorContains(t, err, "no successful results")
}

func TestTestAllRefreshesPinnedBaseline(t *testing.T) {
	fp := &fakeProber{
		outcomes: map[string]probe.Outcome{
			// With the pin in place the system resolver answers the pinned
			// address, so it is also the outcome's original.
			"api.example": {
				OriginalIP: "203.0.113.5",
				Samples:    []probe.Sample{ipSample("203.0.113.5", 30, 60)},
			},
		},
	}
	c, _ := newTestController(t, testConfig(), fp, &fakeSink{})
	ctx := context.Background()
	setState(c, "api.example", domainState{Mode: ModePinned, PinnedIP: "203.0.113.5", Baseline: 52})

	results := c.TestAll(ctx, false)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.InDelta(t, 52, stateOf(c, "api.example").Baseline, 1e-9, "baselines only move when asked")

	c.TestAll(ctx, true)
	require.InDelta(t, 0.7*30+0.3*60, stateOf(c, "api.example").Baseline, 1e-9)
}

func TestClearAllResetsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoints = append(cfg.Endpoints, config.Endpoint{
		Name: "other", URL: "https://other.example", Domain: "other.example", Enabled: true,
	})
	c, gw := newTestController(t, cfg, &fakeProber{}, &fakeSink{})
	ctx := context.Background()
	require.NoError(t, gw.WriteBinding(ctx, "api.example", "203.0.113.5"))
	require.NoError(t, gw.WriteBinding(ctx, "other.example", "203.0.113.9"))
	setState(c, "api.example", domainState{Mode: ModePinned, PinnedIP: "203.0.113.5"})
	setState(c, "other.example", domainState{Mode: ModePinned, PinnedIP: "203.0.113.9"})

	n, err := c.ClearAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	bindings, err := gw.Bindings(ctx)
	require.NoError(t, err)
	require.Empty(t, bindings)
	require.Equal(t, ModeDNS, stateOf(c, "api.example").Mode)
	require.Equal(t, ModeDNS, stateOf(c, "other.example").Mode)
	require.Equal(t, float64(0), testutil.ToFloat64(c.metrics.PinnedDomains))
}
