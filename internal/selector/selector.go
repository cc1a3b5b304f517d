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

// Package selector turns probe samples into a per-endpoint verdict. It is a
// pure function of one cycle's samples: no state, no clock, no I/O.
package selector

import (
	"sort"
	"time"

	"github.com/anyrouter/anyrouter/internal/config"
	"github.com/anyrouter/anyrouter/internal/probe"
)

// unreachableLatencyMS stands in for a baseline that failed to answer, so
// speedup arithmetic stays defined when only candidates succeeded.
const unreachableLatencyMS = 9999

// EndpointResult is the verdict for one endpoint in one test cycle.
// When UseOriginal is true, IP equals OriginalIP and SpeedupPercent <= 0;
// when Success is false, IP is empty and the latencies are meaningless.
type EndpointResult struct {
	Endpoint          config.Endpoint `json:"endpoint"`
	IP                string          `json:"ip"`
	LatencyMS         float64         `json:"latency"`
	TTFBMS            float64         `json:"ttfb"`
	Success           bool            `json:"success"`
	Error             string          `json:"error,omitempty"`
	Warning           string          `json:"warning,omitempty"`
	OriginalIP        string          `json:"original_ip"`
	OriginalLatencyMS float64         `json:"original_latency"`
	SpeedupPercent    float64         `json:"speedup_percent"`
	UseOriginal       bool            `json:"use_original"`
	CDN               bool            `json:"cdn"`
}

// Best returns the successful sample with the lowest total latency, ties
// broken by lower time-to-first-byte.
func Best(samples []probe.Sample) (probe.Sample, bool) {
	var best probe.Sample
	found := false
	for _, s := range samples {
		if !s.OK() {
			continue
		}
		if !found || s.Total < best.Total || (s.Total == best.Total && s.TTFB < best.TTFB) {
			best = s
			found = true
		}
	}
	return best, found
}

// Decide reduces one endpoint's probe outcome to a verdict. A candidate is
// adopted only when it is strictly faster than the original resolution;
// otherwise the original IP is reported as the winner.
func Decide(out probe.Outcome) EndpointResult {
	res := EndpointResult{
		Endpoint:   out.Endpoint,
		OriginalIP: out.OriginalIP,
		CDN:        out.CDN,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
		return res
	}

	var (
		original    probe.Sample
		originalOK  bool
		candidateOK bool
	)
	for _, s := range out.Samples {
		if s.IP == out.OriginalIP {
			original = s
			originalOK = s.OK()
		} else if s.OK() {
			candidateOK = true
		}
	}
	res.OriginalLatencyMS = unreachableLatencyMS
	if originalOK {
		res.OriginalLatencyMS = ms(original.Total)
	}

	best, ok := Best(out.Samples)
	if !ok {
		res.Error = informativeError(original, out.Samples)
		return res
	}

	res.Success = true
	res.SpeedupPercent = (res.OriginalLatencyMS - ms(best.Total)) / res.OriginalLatencyMS * 100

	if originalOK && (best.IP == out.OriginalIP || res.SpeedupPercent <= 0) {
		res.UseOriginal = true
		res.IP = out.OriginalIP
		res.LatencyMS = ms(original.Total)
		res.TTFBMS = ms(original.TTFB)
		if res.SpeedupPercent > 0 {
			res.SpeedupPercent = 0
		}
		if out.CustomUsed && !candidateOK {
			res.Warning = "all preferred IPs failed; fell back to the DNS-resolved address"
			if !out.CDN {
				res.Warning += " (domain is not on a known CDN, edge candidates do not apply)"
			}
		}
		return res
	}

	res.IP = best.IP
	res.LatencyMS = ms(best.Total)
	res.TTFBMS = ms(best.TTFB)
	return res
}

// SortResults orders results for display: successes first by ascending
// latency, failures last.
func SortResults(results []EndpointResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Success != b.Success {
			return a.Success
		}
		return a.LatencyMS < b.LatencyMS
	})
}

// informativeError picks the error most useful to surface when every sample
// failed: the baseline's own failure first, else the first candidate error.
func informativeError(original probe.Sample, samples []probe.Sample) string {
	if original.Err != nil {
		return original.Err.Error()
	}
	for _, s := range samples {
		if s.Err != nil {
			return s.Err.Error()
		}
	}
	return "all candidates failed"
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
