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
	"time"

	"github.com/anyrouter/anyrouter/internal/config"
	"github.com/anyrouter/anyrouter/internal/probe"
)

// degradationFloorMS is the absolute component of the pinned-path
// degradation test. Relative slowdown alone does not trip it, so a jump
// from 8ms to 25ms on a fast link is not treated as decay.
const degradationFloorMS = 300

// unreachableBaselineMS stands in for a path that failed to answer, so
// speedup arithmetic in history records stays defined.
const unreachableBaselineMS = 9999

// score collapses a successful sample into one comparable number. The
// first byte is what an interactive client feels, so time-to-first-byte
// carries most of the weight.
func score(s probe.Sample, h config.Hysteresis) float64 {
	return h.TTFBWeight*ms(s.TTFB) + h.TotalWeight*ms(s.Total)
}

// clearlyBetter reports whether challenger beats incumbent by enough margin
// to count toward a switch: either the incumbent failed outright while the
// challenger works, or the challenger's score wins by both the relative
// threshold and the absolute floor. Anything closer is jitter.
func clearlyBetter(incumbent, challenger probe.Sample, h config.Hysteresis) bool {
	if !challenger.OK() {
		return false
	}
	if !incumbent.OK() {
		return true
	}
	is, cs := score(incumbent, h), score(challenger, h)
	margin := h.RatioThreshold * is
	if margin < h.AbsoluteFloorMS {
		margin = h.AbsoluteFloorMS
	}
	return is-cs > margin
}

// degraded reports whether a pinned path's current score has fallen off the
// baseline recorded at pin time. slowThresholdPct is the slow_threshold
// knob: 150 means the score must exceed 2.5x the baseline, and it must also
// exceed it by the absolute floor.
func degraded(current, baseline float64, slowThresholdPct int) bool {
	if baseline <= 0 {
		return false
	}
	limit := baseline * (1 + float64(slowThresholdPct)/100)
	return current > limit && current-baseline > degradationFloorMS
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
