/*
Copyright 2025 The TrainCore Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics accumulates per-step losses and skip/nan counters and
// turns them into interval reports, prometheus series and sink emissions.
package metrics

import (
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/distml/traincore/pkg/step"
)

// IsAnomalous reports whether a loss value must be flagged for the nan
// counter: +inf, -inf, or an IEEE NaN (fails self-equality).
func IsAnomalous(v float64) bool {
	return math.IsInf(v, 0) || v != v
}

// Aggregator accumulates step results between logging-interval boundaries.
// Running sums only include advanced steps; skipped steps count toward the
// skipped counter and nothing else. It is rank-local and not safe for
// concurrent use, matching the single-threaded control flow of a rank.
type Aggregator struct {
	sums     map[string]float64
	advanced int64
	skipped  int64
	nan      int64

	clock         clock.PassiveClock
	intervalStart time.Time

	collectors *Collectors
}

// NewAggregator builds an aggregator. collectors may be nil.
func NewAggregator(cl clock.PassiveClock, collectors *Collectors) *Aggregator {
	return &Aggregator{
		sums:          map[string]float64{},
		clock:         cl,
		intervalStart: cl.Now(),
		collectors:    collectors,
	}
}

// Record folds one step result into the running window. The invariant
// advanced+skipped == steps recorded holds at all times between resets.
func (a *Aggregator) Record(res step.Result) {
	if res.Skipped {
		a.skipped++
	} else {
		a.advanced++
	}
	gotNan := false
	for key, v := range res.Losses {
		if IsAnomalous(v) {
			gotNan = true
		}
		if !res.Skipped {
			a.sums[key] += v
		}
	}
	if gotNan {
		a.nan++
	}
	if a.collectors != nil {
		a.collectors.observeStep(res, gotNan)
	}
}

// Advanced returns the advanced-step count of the current window.
func (a *Aggregator) Advanced() int64 { return a.advanced }

// Skipped returns the skipped-step count of the current window.
func (a *Aggregator) Skipped() int64 { return a.skipped }

// NanSteps returns the nan-flagged step count of the current window.
func (a *Aggregator) NanSteps() int64 { return a.nan }

// Steps returns the total steps recorded in the current window.
func (a *Aggregator) Steps() int64 { return a.advanced + a.skipped }

// Report is one logging interval's aggregate view.
type Report struct {
	// Averages holds per-key running-sum / max(1, advanced).
	Averages map[string]float64
	Advanced int64
	Skipped  int64
	Nan      int64
	// Elapsed is the wall time of the window; TimePerIteration normalizes
	// it by advanced+skipped.
	Elapsed          time.Duration
	TimePerIteration time.Duration
}

// Flush computes the interval report and resets the running sums, the three
// counters and the interval timer.
func (a *Aggregator) Flush() Report {
	now := a.clock.Now()
	rep := Report{
		Averages: make(map[string]float64, len(a.sums)),
		Advanced: a.advanced,
		Skipped:  a.skipped,
		Nan:      a.nan,
		Elapsed:  now.Sub(a.intervalStart),
	}
	for key, sum := range a.sums {
		rep.Averages[key] = sum / float64(max(int64(1), a.advanced))
	}
	if steps := a.advanced + a.skipped; steps > 0 {
		rep.TimePerIteration = rep.Elapsed / time.Duration(steps)
	}

	a.sums = map[string]float64{}
	a.advanced, a.skipped, a.nan = 0, 0, 0
	a.intervalStart = now
	return rep
}
