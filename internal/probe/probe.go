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

// Package probe measures real TLS+HTTP latency to candidate addresses
// instead of trusting DNS. For each endpoint it resolves the domain, expands
// a candidate IP set (Cloudflare-aware), and probes every candidate
// concurrently with per-candidate, per-endpoint, and whole-batch timeouts.
package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/tls"

	"github.com/anyrouter/anyrouter/internal/config"
)

const (
	DefaultCandidateTimeout = 5 * time.Second
	DefaultEndpointTimeout  = 15 * time.Second
	DefaultBatchTimeout     = 60 * time.Second
	DefaultConcurrency      = 8
	DefaultMaxCandidates    = 15
	DefaultTestRounds       = 3

	dnsCacheEntries = 128
	dnsCacheTTL     = 60 * time.Second

	userAgent = "anyrouter/1.0"
)

// Sample is one measurement of one IP for one domain. Failed samples carry
// Err and no meaningful timings.
type Sample struct {
	IP      string
	Connect time.Duration // TCP connect
	TLS     time.Duration // TLS handshake
	TTFB    time.Duration // request write to first response byte
	Total   time.Duration
	Status  int
	Err     error
}

// OK reports whether the probe succeeded.
func (s Sample) OK() bool { return s.Err == nil }

// Outcome is the raw probing result for one endpoint, before selection.
type Outcome struct {
	Endpoint   config.Endpoint
	OriginalIP string // first system-resolved address
	CDN        bool
	CustomUsed bool // candidate set came from the user's custom IP list
	Samples    []Sample
	Duration   time.Duration // wall time for the whole endpoint probe
	Err        error         // resolution or setup failure; no samples then
}

// Options configures a Prober. Zero fields take the defaults above.
type Options struct {
	CustomIPs        []string
	EdgeListURL      string
	TestRounds       int
	MaxCandidates    int
	CandidateTimeout time.Duration
	EndpointTimeout  time.Duration
	BatchTimeout     time.Duration
	Concurrency      int
	// HTTPClient is used only for the remote edge list fetch.
	HTTPClient *http.Client
}

// OptionsFromConfig maps the config file's probe fields onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CustomIPs:        cfg.CustomEdgeIPs,
		EdgeListURL:      cfg.EdgeIPURL,
		TestRounds:       cfg.TestRounds,
		MaxCandidates:    cfg.Probe.MaxCandidates,
		CandidateTimeout: cfg.Probe.CandidateTimeout(),
		EndpointTimeout:  cfg.Probe.EndpointTimeout(),
		BatchTimeout:     cfg.Probe.BatchTimeout(),
		Concurrency:      cfg.Probe.EndpointConcurrency,
	}
}

// Prober probes endpoints. Safe for concurrent use.
type Prober struct {
	customIPs        []string
	rounds           int
	maxCandidates    int
	candidateTimeout time.Duration
	endpointTimeout  time.Duration
	batchTimeout     time.Duration
	concurrency      int

	dialer *transport.TCPDialer
	port   string
	cache  *lruCache
	edges  *edgeSource
}

// New returns a Prober with opts, filling zero fields with defaults.
func New(opts Options) *Prober {
	if opts.TestRounds <= 0 {
		opts.TestRounds = DefaultTestRounds
	}
	if opts.TestRounds > 5 {
		opts.TestRounds = 5
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.CandidateTimeout <= 0 {
		opts.CandidateTimeout = DefaultCandidateTimeout
	}
	if opts.EndpointTimeout <= 0 {
		opts.EndpointTimeout = DefaultEndpointTimeout
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Prober{
		customIPs:        opts.CustomIPs,
		rounds:           opts.TestRounds,
		maxCandidates:    opts.MaxCandidates,
		candidateTimeout: opts.CandidateTimeout,
		endpointTimeout:  opts.EndpointTimeout,
		batchTimeout:     opts.BatchTimeout,
		concurrency:      opts.Concurrency,
		dialer:           &transport.TCPDialer{Dialer: net.Dialer{KeepAlive: -1}},
		port:             "443",
		cache:            newLRUCache(dnsCacheEntries, dnsCacheTTL),
		edges:            &edgeSource{url: opts.EdgeListURL, client: opts.HTTPClient},
	}
}

// TestEndpoint resolves and probes one endpoint. The outcome's samples
// always include the original IP so the selector can compute the baseline.
func (p *Prober) TestEndpoint(ctx context.Context, ep config.Endpoint) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.endpointTimeout)
	defer cancel()

	out := Outcome{Endpoint: ep, CustomUsed: len(p.customIPs) > 0}
	ips, err := p.Resolve(ctx, ep.Domain)
	if err != nil {
		out.Err = err
		out.Duration = time.Since(start)
		return out
	}
	out.OriginalIP = ips[0]
	for _, ip := range ips {
		if IsCloudflareIP(ip) {
			out.CDN = true
			break
		}
	}

	targets := mergeIPs([]string{out.OriginalIP}, p.candidates(ctx, ep.Domain, ips, out.CDN), p.maxCandidates+1)
	slog.Debug("probing endpoint", "domain", ep.Domain, "original_ip", out.OriginalIP, "cdn", out.CDN, "candidates", len(targets))

	out.Samples = make([]Sample, len(targets))
	var wg sync.WaitGroup
	for i, ip := range targets {
		wg.Add(1)
		go func(i int, ip string) {
			defer wg.Done()
			out.Samples[i] = p.probeIP(ctx, ep.Domain, "/", ip)
		}(i, ip)
	}
	wg.Wait()
	out.Duration = time.Since(start)
	return out
}

// TestAll probes endpoints with bounded concurrency. Outcomes are returned
// in input order; endpoints that never got to run carry a context error.
func (p *Prober) TestAll(ctx context.Context, endpoints []config.Endpoint) []Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.batchTimeout)
	defer cancel()

	slog.Info("testing endpoints", "count", len(endpoints))
	sem := make(chan struct{}, p.concurrency)
	outcomes := make([]Outcome, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep config.Endpoint) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				outcomes[i] = p.TestEndpoint(ctx, ep)
			case <-ctx.Done():
				outcomes[i] = Outcome{Endpoint: ep, Err: ctx.Err()}
			}
		}(i, ep)
	}
	wg.Wait()
	return outcomes
}

// ProbeIP measures a single known address for domain, with the configured
// rounds and per-round timeouts. The monitor loop uses it to recheck a
// pinned address and the live DNS answer without a full candidate sweep.
func (p *Prober) ProbeIP(ctx context.Context, domain, ip string) Sample {
	return p.probeIP(ctx, domain, "/", ip)
}

// Invalidate drops cached resolutions for domain so the next lookup is
// live. Call it after the hosts file changes for the domain.
func (p *Prober) Invalidate(domain string) {
	p.cache.Remove("sys:" + domain)
	p.cache.Remove("dns:" + domain)
}

// probeIP measures one IP over the configured number of rounds and returns
// the median-total round's sample. An IP that fails its first round is
// written off immediately; later-round failures are ignored as jitter.
func (p *Prober) probeIP(ctx context.Context, domain, path, ip string) Sample {
	var successes []Sample
	for round := 0; round < p.rounds; round++ {
		if err := ctx.Err(); err != nil {
			break
		}
		rctx, cancel := context.WithTimeout(ctx, p.candidateTimeout)
		s := p.probeOnce(rctx, domain, path, ip)
		cancel()
		if s.Err != nil {
			if round == 0 {
				return s
			}
			continue
		}
		successes = append(successes, s)
	}
	if len(successes) == 0 {
		return Sample{IP: ip, Err: ctx.Err()}
	}
	return medianSample(successes)
}

// medianSample returns the sample with the median total latency. Even
// counts take the upper middle.
func medianSample(samples []Sample) Sample {
	sort.Slice(samples, func(i, j int) bool { return samples[i].Total < samples[j].Total })
	return samples[len(samples)/2]
}

// probeOnce is one TCP+TLS+HTTP measurement with per-phase timings. The
// request always targets path "/": the point is to verify the address serves
// the domain, not to exercise an API path that may require authentication.
func (p *Prober) probeOnce(ctx context.Context, domain, path, ip string) Sample {
	s := Sample{IP: ip}
	start := time.Now()

	tcpConn, err := p.dialer.DialStream(ctx, net.JoinHostPort(ip, p.port))
	if err != nil {
		s.Err = fmt.Errorf("connect: %w", err)
		return s
	}
	defer tcpConn.Close()
	s.Connect = time.Since(start)
	if deadline, ok := ctx.Deadline(); ok {
		tcpConn.SetDeadline(deadline)
	}

	tlsStart := time.Now()
	tlsConn, err := tls.WrapConn(ctx, tcpConn, domain)
	if err != nil {
		s.Err = fmt.Errorf("tls: %w", err)
		return s
	}
	defer tlsConn.Close()
	s.TLS = time.Since(tlsStart)

	request := fmt.Sprintf("HEAD %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nConnection: close\r\n\r\n", path, domain, userAgent)
	writeStart := time.Now()
	if _, err := tlsConn.Write([]byte(request)); err != nil {
		s.Err = fmt.Errorf("write: %w", err)
		return s
	}

	fbr := &firstByteReader{r: tlsConn}
	resp, err := http.ReadResponse(bufio.NewReader(fbr), &http.Request{Method: http.MethodHead})
	if err != nil {
		s.Err = fmt.Errorf("read: %w", err)
		return s
	}
	resp.Body.Close()
	s.TTFB = fbr.at.Sub(writeStart)
	s.Status = resp.StatusCode
	s.Total = time.Since(start)
	return s
}

// firstByteReader records when the first response byte arrives.
type firstByteReader struct {
	r  io.Reader
	at time.Time
}

func (f *firstByteReader) Read(b []byte) (int, error) {
	n, err := f.r.Read(b)
	if n > 0 && f.at.IsZero() {
		f.at = time.Now()
	}
	return n, err
}
