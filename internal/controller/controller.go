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

// Package controller runs the background optimization loop: a fixed-period
// monitor that probes each enabled endpoint, applies hysteresis so a switch
// only happens on sustained evidence, and rolls every change through the
// hosts gateway. Probing runs concurrently; transition decisions run
// sequentially under one mutex against samples from the same cycle, so two
// cycles can never mix.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/anyrouter/anyrouter/internal/config"
	"github.com/anyrouter/anyrouter/internal/gateway"
	"github.com/anyrouter/anyrouter/internal/history"
	"github.com/anyrouter/anyrouter/internal/hostsfile"
	"github.com/anyrouter/anyrouter/internal/metrics"
	"github.com/anyrouter/anyrouter/internal/probe"
	"github.com/anyrouter/anyrouter/internal/selector"
)

// ErrAlreadyRunning is returned by Start when the monitor loop is active.
var ErrAlreadyRunning = errors.New("monitor loop already running")

// Prober is the measurement surface the controller drives. *probe.Prober
// implements it; tests substitute deterministic fakes.
type Prober interface {
	TestEndpoint(ctx context.Context, ep config.Endpoint) probe.Outcome
	TestAll(ctx context.Context, endpoints []config.Endpoint) []probe.Outcome
	ProbeIP(ctx context.Context, domain, ip string) probe.Sample
	FreshResolve(ctx context.Context, domain string) ([]string, error)
	Invalidate(domain string)
}

// RecordSink receives optimization history records. *history.Store
// implements it.
type RecordSink interface {
	Add(ctx context.Context, records []history.Record) error
}

type nopSink struct{}

func (nopSink) Add(context.Context, []history.Record) error { return nil }

// Options wires a Controller. Config, Prober, and Gateway are required;
// History and Metrics may be nil.
type Options struct {
	Config    *config.Config
	Prober    Prober
	Gateway   *gateway.Gateway
	History   RecordSink
	Metrics   *metrics.Metrics
	StatePath string
}

// Controller owns the monitor loop and the per-domain hysteresis state.
// All exported methods are safe for concurrent use.
type Controller struct {
	cfg       *config.Config
	prober    Prober
	gw        *gateway.Gateway
	sink      RecordSink
	metrics   *metrics.Metrics
	statePath string

	// opMu serializes every hosts-mutating operation, including the loop's
	// decide-and-apply phase, so an on-demand apply can never interleave
	// with a cycle acting on a stale decision.
	opMu sync.Mutex

	mu      sync.Mutex
	domains map[string]*domainState
	results map[string]selector.EndpointResult
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Controller and loads any persisted hysteresis state.
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, errors.New("controller: Config is required")
	}
	if opts.Prober == nil {
		return nil, errors.New("controller: Prober is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("controller: Gateway is required")
	}
	if opts.History == nil {
		opts.History = nopSink{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.StatePath == "" {
		opts.StatePath = config.DefaultStatePath()
	}
	return &Controller{
		cfg:       opts.Config,
		prober:    opts.Prober,
		gw:        opts.Gateway,
		sink:      opts.History,
		metrics:   opts.Metrics,
		statePath: opts.StatePath,
		domains:   loadState(opts.StatePath),
		results:   make(map[string]selector.EndpointResult),
	}, nil
}

// Start launches the monitor loop: one cycle immediately, then one per
// configured interval until Stop is called or ctx is canceled.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningLocked() {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	slog.Info("monitor loop started",
		"interval", c.cfg.CheckInterval(),
		"endpoints", len(c.cfg.EnabledEndpoints()))
	return nil
}

// Stop halts the loop and completes the stop workflow: managed bindings for
// all monitored domains are removed, DNS is flushed, and their hysteresis
// state returns to DNS mode. ctx bounds the wait for an in-flight cycle, so
// pass one that is not already canceled. Stop also runs the cleanup when
// the loop is not running, so a crashed loop cannot strand pins.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.runningLocked() {
		c.cancel()
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for monitor loop: %w", ctx.Err())
		}
		c.mu.Lock()
		c.running = false
	}
	c.mu.Unlock()
	return c.unpinMonitored(ctx)
}

// Running reports whether the monitor loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

// runningLocked also notices a loop that exited on its own because the
// parent context was canceled. Caller holds mu.
func (c *Controller) runningLocked() bool {
	if !c.running {
		return false
	}
	select {
	case <-c.done:
		c.running = false
		return false
	default:
		return true
	}
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.runCycle(ctx)
	ticker := time.NewTicker(c.cfg.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// unpinMonitored clears the managed bindings for every enabled endpoint and
// resets their hysteresis state. Part of the stop workflow; it does not
// start a cooldown.
func (c *Controller) unpinMonitored(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	endpoints := c.cfg.EnabledEndpoints()
	domains := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		domains = append(domains, ep.Domain)
	}
	n, err := c.gw.ClearBindings(ctx, domains)
	if err != nil {
		return fmt.Errorf("clearing bindings on stop: %w", err)
	}
	if n > 0 {
		c.flush(ctx)
	}

	now := time.Now()
	c.mu.Lock()
	for _, domain := range domains {
		c.unpinLocked(domain, false, now)
	}
	c.persistLocked()
	c.mu.Unlock()

	for _, domain := range domains {
		c.prober.Invalidate(domain)
	}
	c.metrics.SetDomainCounts(len(domains), 0)
	slog.Info("monitor loop stopped, managed bindings cleared", "cleared", n)
	return nil
}

// cycleTask is one endpoint's sampling assignment, snapshotted from the
// state map before any probing starts.
type cycleTask struct {
	ep       config.Endpoint
	mode     Mode
	pinnedIP string
}

// cycleSample is what the sampling phase hands to the decision phase. DNS
// mode fills outcome; pinned mode fills the two targeted samples.
type cycleSample struct {
	task    cycleTask
	outcome probe.Outcome

	dnsIP     string
	dnsSample probe.Sample
	pinSample probe.Sample

	err error // sampling never ran
}

// runCycle performs one monitor pass: heal stale pins, sample every enabled
// endpoint concurrently, then decide and apply transitions against this
// cycle's samples only.
func (c *Controller) runCycle(ctx context.Context) {
	endpoints := c.cfg.EnabledEndpoints()
	if len(endpoints) == 0 {
		return
	}
	start := time.Now()

	c.healStalePins(ctx, endpoints)
	tasks := c.snapshotTasks(endpoints)
	samples := c.sampleAll(ctx, tasks)
	if ctx.Err() != nil {
		return
	}

	c.opMu.Lock()
	actions := c.decideAll(samples)
	c.applyActions(ctx, actions)
	c.opMu.Unlock()

	c.mu.Lock()
	pinned := 0
	for _, ep := range endpoints {
		if st := c.domains[ep.Domain]; st != nil && st.Mode == ModePinned {
			pinned++
		}
	}
	c.mu.Unlock()
	c.metrics.SetDomainCounts(len(endpoints), pinned)
	slog.Debug("cycle complete",
		"endpoints", len(endpoints),
		"pinned", pinned,
		"switches", len(actions),
		"elapsed", time.Since(start))
}

// healStalePins resets pins that no longer make sense: a pin without an
// address, or a pin outside the user's preferred IP list after that list
// changed. Healing reverts to DNS mode without starting a cooldown.
func (c *Controller) healStalePins(ctx context.Context, endpoints []config.Endpoint) {
	var stale []string
	c.mu.Lock()
	for _, ep := range endpoints {
		st := c.domains[ep.Domain]
		if st == nil || st.Mode != ModePinned {
			continue
		}
		reason := ""
		switch {
		case st.PinnedIP == "":
			reason = "pinned without an address"
		case len(c.cfg.CustomEdgeIPs) > 0 && !slices.Contains(c.cfg.CustomEdgeIPs, st.PinnedIP):
			reason = "pinned address not in the preferred IP list"
		}
		if reason == "" {
			continue
		}
		slog.Warn("resetting stale pin", "domain", ep.Domain, "ip", st.PinnedIP, "reason", reason)
		st.Mode = ModeDNS
		st.PinnedIP = ""
		st.Baseline = 0
		st.BetterStreak, st.WorseStreak, st.FailStreak = 0, 0, 0
		stale = append(stale, ep.Domain)
	}
	if len(stale) > 0 {
		c.persistLocked()
	}
	c.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	if _, err := c.gw.ClearBindings(ctx, stale); err != nil {
		slog.Error("clearing stale pins failed", "domains", stale, "error", err)
	} else {
		c.flush(ctx)
	}
	for _, domain := range stale {
		c.prober.Invalidate(domain)
	}
}

// snapshotTasks records each endpoint's mode before sampling starts. The
// decision phase drops any endpoint whose mode changed while probes were in
// flight.
func (c *Controller) snapshotTasks(endpoints []config.Endpoint) []cycleTask {
	tasks := make([]cycleTask, 0, len(endpoints))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range endpoints {
		st := c.domains[ep.Domain]
		if st == nil {
			st = &domainState{Mode: ModeDNS}
			c.domains[ep.Domain] = st
		}
		tasks = append(tasks, cycleTask{ep: ep, mode: st.Mode, pinnedIP: st.PinnedIP})
	}
	return tasks
}

// sampleAll probes every task with the configured endpoint concurrency.
func (c *Controller) sampleAll(ctx context.Context, tasks []cycleTask) []cycleSample {
	samples := make([]cycleSample, len(tasks))
	sem := make(chan struct{}, c.cfg.Probe.EndpointConcurrency)
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task cycleTask) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				samples[i] = c.sampleOne(ctx, task)
			case <-ctx.Done():
				samples[i] = cycleSample{task: task, err: ctx.Err()}
			}
		}(i, task)
	}
	wg.Wait()
	return samples
}

// sampleOne gathers the measurements one decision needs. A DNS-mode domain
// gets the full candidate sweep. A pinned domain gets two targeted probes,
// the live DNS answer and the pinned address, because the hosts override
// makes the system resolver useless for it.
func (c *Controller) sampleOne(ctx context.Context, task cycleTask) cycleSample {
	cs := cycleSample{task: task}
	if task.mode == ModeDNS {
		cs.outcome = c.prober.TestEndpoint(ctx, task.ep)
		c.observeOutcome(cs.outcome)
		return cs
	}

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, c.cfg.Probe.EndpointTimeout())
	defer cancel()
	ips, err := c.prober.FreshResolve(pctx, task.ep.Domain)
	if err != nil {
		cs.dnsSample = probe.Sample{Err: fmt.Errorf("fresh resolve: %w", err)}
	} else {
		cs.dnsIP = ips[0]
		cs.dnsSample = c.prober.ProbeIP(pctx, task.ep.Domain, ips[0])
	}
	cs.pinSample = c.prober.ProbeIP(pctx, task.ep.Domain, task.pinnedIP)
	c.metrics.ObserveProbe(outcomeLabel(cs.pinSample.OK()), time.Since(start))
	return cs
}

// switchAction is a transition decided this cycle. Hosts mutations happen
// after the decision pass, and the state change commits only once the
// mutation succeeded.
type switchAction struct {
	domain    string
	direction string // "pin" or "unpin"
	ip        string // pin target
	score     float64
	reason    string
	hard      bool
	record    history.Record
}

// decideAll runs the transition rules for every sampled endpoint under the
// state mutex. Caller holds opMu.
func (c *Controller) decideAll(samples []cycleSample) []switchAction {
	now := time.Now()
	var actions []switchAction
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range samples {
		cs := &samples[i]
		if cs.err != nil {
			continue
		}
		st := c.domains[cs.task.ep.Domain]
		if st == nil || st.Mode != cs.task.mode {
			// An on-demand apply or unbind raced the sampling phase; these
			// samples no longer describe the domain.
			continue
		}
		if cs.task.mode == ModePinned && st.PinnedIP != cs.task.pinnedIP {
			continue
		}
		if a := c.decideOne(now, cs, st); a != nil {
			actions = append(actions, *a)
		}
	}
	return actions
}

// decideOne applies the hysteresis rules for one endpoint. It mutates the
// streak counters in place and returns a transition when one is due.
// Caller holds mu.
func (c *Controller) decideOne(now time.Time, cs *cycleSample, st *domainState) *switchAction {
	h := c.cfg.Hysteresis
	domain := cs.task.ep.Domain

	if cs.task.mode == ModeDNS {
		out := cs.outcome
		if out.Err != nil {
			st.BetterStreak = 0
			slog.Debug("endpoint probe failed", "domain", domain, "error", out.Err)
			return nil
		}
		best, ok := selector.Best(out.Samples)
		if !ok || best.IP == out.OriginalIP {
			st.BetterStreak = 0
			return nil
		}
		dns := findSample(out.Samples, out.OriginalIP)
		if !clearlyBetter(dns, best, h) {
			st.BetterStreak = 0
			return nil
		}
		st.BetterStreak++
		slog.Debug("candidate clearly better",
			"domain", domain, "candidate", best.IP, "streak", st.BetterStreak)
		if st.BetterStreak < h.BetterStreakToPin {
			return nil
		}
		if st.inCooldown(now, h.Cooldown()) {
			slog.Debug("pin ready but in cooldown",
				"domain", domain, "since_switch", now.Sub(st.LastSwitch))
			return nil
		}
		origMS := float64(unreachableBaselineMS)
		if dns.OK() {
			origMS = ms(dns.Total)
		}
		optMS := ms(best.Total)
		return &switchAction{
			domain:    domain,
			direction: "pin",
			ip:        best.IP,
			score:     score(best, h),
			record: history.Record{
				Domain:         domain,
				OriginalMS:     origMS,
				OptimizedMS:    optMS,
				SpeedupPercent: (origMS - optMS) / origMS * 100,
				Applied:        true,
			},
		}
	}

	// Pinned: supervise the pin against the live DNS path.
	pin := cs.pinSample
	if !pin.OK() {
		st.FailStreak++
		st.WorseStreak = 0
		slog.Warn("pinned address failed probe",
			"domain", domain, "ip", st.PinnedIP, "failures", st.FailStreak, "error", pin.Err)
		if st.FailStreak >= c.cfg.FailureThreshold {
			// Reachability trumps the cooldown.
			return c.unpinAction(domain, cs, "pinned address unreachable", true)
		}
		return nil
	}
	st.FailStreak = 0

	worse := degraded(score(pin, h), st.Baseline, c.cfg.SlowThreshold)
	if worse {
		slog.Info("pinned path degraded from baseline",
			"domain", domain, "score", score(pin, h), "baseline", st.Baseline)
	}
	if !worse && clearlyBetter(pin, cs.dnsSample, h) {
		worse = true
		slog.Info("dns path now clearly faster than pin",
			"domain", domain, "pinned_ip", st.PinnedIP, "dns_ip", cs.dnsIP)
	}
	if !worse {
		st.WorseStreak = 0
		return nil
	}
	st.WorseStreak++
	if st.WorseStreak < h.WorseStreakToUnpin {
		return nil
	}
	if st.inCooldown(now, h.Cooldown()) {
		slog.Debug("unpin ready but in cooldown",
			"domain", domain, "since_switch", now.Sub(st.LastSwitch))
		return nil
	}
	return c.unpinAction(domain, cs, "pinned path sustainedly worse than dns", false)
}

func (c *Controller) unpinAction(domain string, cs *cycleSample, reason string, hard bool) *switchAction {
	pinMS := float64(unreachableBaselineMS)
	if cs.pinSample.OK() {
		pinMS = ms(cs.pinSample.Total)
	}
	dnsMS := float64(unreachableBaselineMS)
	if cs.dnsSample.OK() {
		dnsMS = ms(cs.dnsSample.Total)
	}
	return &switchAction{
		domain:    domain,
		direction: "unpin",
		reason:    reason,
		hard:      hard,
		record: history.Record{
			Domain:         domain,
			OriginalMS:     pinMS,
			OptimizedMS:    dnsMS,
			SpeedupPercent: (pinMS - dnsMS) / pinMS * 100,
		},
	}
}

// applyActions performs this cycle's hosts mutations and commits the state
// transitions for the ones that succeeded. A failed mutation leaves the
// domain's state untouched, so the next cycle retries from a consistent
// view instead of believing in a binding that never landed. Caller holds
// opMu.
func (c *Controller) applyActions(ctx context.Context, actions []switchAction) {
	if len(actions) == 0 {
		return
	}
	committed := actions[:0]
	for _, a := range actions {
		var err error
		if a.direction == "pin" {
			err = c.gw.WriteBinding(ctx, a.domain, a.ip)
		} else {
			err = c.gw.ClearBinding(ctx, a.domain)
		}
		if err != nil {
			slog.Error("hosts update failed",
				"domain", a.domain, "direction", a.direction, "error", err)
			continue
		}
		committed = append(committed, a)
	}
	if len(committed) == 0 {
		return
	}
	c.flush(ctx)

	now := time.Now()
	records := make([]history.Record, 0, len(committed))
	c.mu.Lock()
	for _, a := range committed {
		if a.direction == "pin" {
			c.pinLocked(a.domain, a.ip, a.score, now)
			slog.Info("pinned faster address",
				"domain", a.domain, "ip", a.ip, "speedup_percent", a.record.SpeedupPercent)
		} else {
			c.unpinLocked(a.domain, true, now)
			slog.Info("unpinned address",
				"domain", a.domain, "reason", a.reason, "hard", a.hard)
		}
		c.metrics.RecordSwitch(a.direction)
		rec := a.record
		rec.Time = now
		records = append(records, rec)
	}
	c.persistLocked()
	c.mu.Unlock()

	for _, a := range committed {
		c.prober.Invalidate(a.domain)
	}
	if err := c.sink.Add(ctx, records); err != nil {
		slog.Warn("recording history failed", "error", err)
	}
}

// TestEndpoint probes one endpoint immediately and returns the verdict.
// It does not change any binding.
func (c *Controller) TestEndpoint(ctx context.Context, ep config.Endpoint) selector.EndpointResult {
	out := c.prober.TestEndpoint(ctx, ep)
	c.observeOutcome(out)
	res := selector.Decide(out)
	c.mu.Lock()
	c.results[ep.Domain] = res
	c.mu.Unlock()
	return res
}

// TestAll probes every enabled endpoint and returns verdicts sorted for
// display. With updateBaselines, pinned domains whose pinned address was
// measured again get their degradation baseline refreshed, the way a full
// manual test implies "this is what good looks like now".
func (c *Controller) TestAll(ctx context.Context, updateBaselines bool) []selector.EndpointResult {
	endpoints := c.cfg.EnabledEndpoints()
	outs := c.prober.TestAll(ctx, endpoints)
	results := make([]selector.EndpointResult, 0, len(outs))
	for _, out := range outs {
		c.observeOutcome(out)
		results = append(results, selector.Decide(out))
	}

	h := c.cfg.Hysteresis
	c.mu.Lock()
	changed := false
	for _, res := range results {
		c.results[res.Endpoint.Domain] = res
		if !updateBaselines || !res.Success {
			continue
		}
		st := c.domains[res.Endpoint.Domain]
		if st == nil || st.Mode != ModePinned || st.PinnedIP != res.IP {
			continue
		}
		st.Baseline = h.TTFBWeight*res.TTFBMS + h.TotalWeight*res.LatencyMS
		changed = true
	}
	if changed {
		c.persistLocked()
	}
	c.mu.Unlock()

	selector.SortResults(results)
	return results
}

// ApplyResult pins a test verdict: the binding is written and the
// hysteresis state seeded so the monitor loop supervises the new pin. A
// manual apply starts a cooldown like any other switch.
func (c *Controller) ApplyResult(ctx context.Context, res selector.EndpointResult) error {
	domain := res.Endpoint.Domain
	if !res.Success || res.IP == "" {
		return fmt.Errorf("no usable address for %s", domain)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.gw.WriteBinding(ctx, domain, res.IP); err != nil {
		return err
	}
	c.flush(ctx)
	c.prober.Invalidate(domain)

	now := time.Now()
	h := c.cfg.Hysteresis
	c.mu.Lock()
	c.pinLocked(domain, res.IP, h.TTFBWeight*res.TTFBMS+h.TotalWeight*res.LatencyMS, now)
	c.persistLocked()
	c.mu.Unlock()

	c.record(ctx, history.Record{
		Time:           now,
		Domain:         domain,
		OriginalMS:     res.OriginalLatencyMS,
		OptimizedMS:    res.LatencyMS,
		SpeedupPercent: res.SpeedupPercent,
		Applied:        true,
	})
	slog.Info("applied binding", "domain", domain, "ip", res.IP, "latency_ms", res.LatencyMS)
	return nil
}

// ApplyAll pins every endpoint with a successful verdict, probing afresh
// when no verdicts are cached yet. It reports how many bindings were
// written in the single hosts rewrite.
func (c *Controller) ApplyAll(ctx context.Context) (int, error) {
	c.mu.Lock()
	results := make([]selector.EndpointResult, 0, len(c.results))
	for _, res := range c.results {
		results = append(results, res)
	}
	c.mu.Unlock()
	if len(results) == 0 {
		results = c.TestAll(ctx, false)
	}

	var bindings []hostsfile.Binding
	var applied []selector.EndpointResult
	for _, res := range results {
		if res.Success && res.IP != "" {
			bindings = append(bindings, hostsfile.Binding{Domain: res.Endpoint.Domain, IP: res.IP})
			applied = append(applied, res)
		}
	}
	if len(bindings) == 0 {
		return 0, errors.New("no successful results to apply")
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	n, err := c.gw.WriteBindings(ctx, bindings)
	if err != nil {
		return n, err
	}
	if n > 0 {
		c.flush(ctx)
	}

	now := time.Now()
	h := c.cfg.Hysteresis
	records := make([]history.Record, 0, len(applied))
	c.mu.Lock()
	for _, res := range applied {
		c.pinLocked(res.Endpoint.Domain, res.IP, h.TTFBWeight*res.TTFBMS+h.TotalWeight*res.LatencyMS, now)
		records = append(records, history.Record{
			Time:           now,
			Domain:         res.Endpoint.Domain,
			OriginalMS:     res.OriginalLatencyMS,
			OptimizedMS:    res.LatencyMS,
			SpeedupPercent: res.SpeedupPercent,
			Applied:        true,
		})
	}
	c.persistLocked()
	c.mu.Unlock()

	for _, res := range applied {
		c.prober.Invalidate(res.Endpoint.Domain)
	}
	if err := c.sink.Add(ctx, records); err != nil {
		slog.Warn("recording history failed", "error", err)
	}
	slog.Info("applied bindings", "count", n)
	return n, nil
}

// Unbind removes the managed entry for one domain and returns it to DNS
// routing. The streaks reset but no cooldown starts, so the loop may pin
// again as soon as the evidence supports it.
func (c *Controller) Unbind(ctx context.Context, domain string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.gw.ClearBinding(ctx, domain); err != nil {
		return err
	}
	c.flush(ctx)

	c.mu.Lock()
	c.unpinLocked(domain, false, time.Now())
	c.persistLocked()
	c.mu.Unlock()

	c.prober.Invalidate(domain)
	slog.Info("removed binding", "domain", domain)
	return nil
}

// ClearAll removes every managed hosts entry, whether or not its domain is
// still configured, and resets all hysteresis state.
func (c *Controller) ClearAll(ctx context.Context) (int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	n, err := c.gw.ClearAll(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		c.flush(ctx)
	}

	now := time.Now()
	c.mu.Lock()
	domains := make([]string, 0, len(c.domains))
	for domain := range c.domains {
		domains = append(domains, domain)
		c.unpinLocked(domain, false, now)
	}
	c.persistLocked()
	c.mu.Unlock()

	for _, domain := range domains {
		c.prober.Invalidate(domain)
	}
	c.metrics.SetDomainCounts(len(c.cfg.EnabledEndpoints()), 0)
	slog.Info("cleared all bindings", "count", n)
	return n, nil
}

// Bindings lists the managed hosts entries.
func (c *Controller) Bindings(ctx context.Context) ([]hostsfile.Binding, error) {
	return c.gw.Bindings(ctx)
}

// BindingCount reports how many managed entries exist.
func (c *Controller) BindingCount(ctx context.Context) (int, error) {
	bindings, err := c.gw.Bindings(ctx)
	if err != nil {
		return 0, err
	}
	return len(bindings), nil
}

// DomainStatus is a read-only snapshot of one domain's hysteresis state,
// for status displays.
type DomainStatus struct {
	Domain     string    `json:"domain"`
	Mode       string    `json:"mode"`
	PinnedIP   string    `json:"pinned_ip,omitempty"`
	PinnedAt   time.Time `json:"pinned_at"`
	LastSwitch time.Time `json:"last_switch"`
	BaselineMS float64   `json:"baseline_ms"`
}

// DomainStatuses returns the state of every domain the controller has seen,
// sorted by name.
func (c *Controller) DomainStatuses() []DomainStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.domains))
	for domain := range c.domains {
		names = append(names, domain)
	}
	slices.Sort(names)
	out := make([]DomainStatus, 0, len(names))
	for _, domain := range names {
		st := c.domains[domain]
		out = append(out, DomainStatus{
			Domain:     domain,
			Mode:       string(st.Mode),
			PinnedIP:   st.PinnedIP,
			PinnedAt:   st.PinnedAt,
			LastSwitch: st.LastSwitch,
			BaselineMS: st.Baseline,
		})
	}
	return out
}

// PermissionStatus reports whether hosts mutations can currently succeed
// and through which channel.
func (c *Controller) PermissionStatus(ctx context.Context) gateway.Status {
	return c.gw.Status(ctx)
}

// RefreshPrivilege re-probes the helper, for use after it was installed or
// restarted.
func (c *Controller) RefreshPrivilege(ctx context.Context) gateway.Status {
	return c.gw.Refresh(ctx)
}

// pinLocked records a pin in the state map. Caller holds mu.
func (c *Controller) pinLocked(domain, ip string, baseline float64, now time.Time) {
	st := c.domains[domain]
	if st == nil {
		st = &domainState{}
		c.domains[domain] = st
	}
	st.Mode = ModePinned
	st.PinnedIP = ip
	st.PinnedAt = now
	st.LastSwitch = now
	st.Baseline = baseline
	st.BetterStreak, st.WorseStreak, st.FailStreak = 0, 0, 0
}

// unpinLocked records an unpin. startCooldown distinguishes quality-driven
// switches from cleanups: only the former delays the next switch. Caller
// holds mu.
func (c *Controller) unpinLocked(domain string, startCooldown bool, now time.Time) {
	st := c.domains[domain]
	if st == nil {
		return
	}
	st.Mode = ModeDNS
	st.PinnedIP = ""
	st.Baseline = 0
	st.BetterStreak, st.WorseStreak, st.FailStreak = 0, 0, 0
	if startCooldown {
		st.LastSwitch = now
	}
}

// persistLocked writes the state file. Failures are logged, not returned:
// the in-memory state machine stays authoritative. Caller holds mu.
func (c *Controller) persistLocked() {
	if err := saveState(c.statePath, c.domains); err != nil {
		slog.Warn("persisting state failed", "path", c.statePath, "error", err)
	}
}

// flush invalidates the OS resolver cache after a hosts change. Failures
// only delay when the OS notices the new contents, so they are logged, not
// propagated.
func (c *Controller) flush(ctx context.Context) {
	if err := c.gw.FlushDNS(ctx); err != nil {
		slog.Warn("dns flush failed", "error", err)
	}
}

func (c *Controller) record(ctx context.Context, rec history.Record) {
	if err := c.sink.Add(ctx, []history.Record{rec}); err != nil {
		slog.Warn("recording history failed", "error", err)
	}
}

func (c *Controller) observeOutcome(out probe.Outcome) {
	ok := false
	if out.Err == nil {
		for _, s := range out.Samples {
			if s.OK() {
				ok = true
				break
			}
		}
	}
	c.metrics.ObserveProbe(outcomeLabel(ok), out.Duration)
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// findSample returns the sample for ip, or a failed placeholder when the
// address was never probed.
func findSample(samples []probe.Sample, ip string) probe.Sample {
	for _, s := range samples {
		if s.IP == ip {
			return s
		}
	}
	return probe.Sample{IP: ip, Err: errors.New("address was not probed")}
}
