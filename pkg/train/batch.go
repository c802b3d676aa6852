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

package train

import (
	"fmt"

	"github.com/distml/traincore/pkg/comm"
	"github.com/distml/traincore/pkg/config"
)

// BatchCalculator maps consumed-sample counts to the current global batch
// size and microbatch count, implementing the batch-size ramp-up schedule.
// The mapping is a pure, monotonically non-decreasing piecewise function.
type BatchCalculator struct {
	micro  int64
	dp     int64
	global int64
	ramp   *config.BatchRampUp

	samplesPerIncrement int64
}

// NewBatchCalculator validates the batch geometry against the topology and
// builds the calculator.
func NewBatchCalculator(cfg *config.Config, topo comm.Topology) (*BatchCalculator, error) {
	c := &BatchCalculator{
		micro:  cfg.MicroBatchSize,
		dp:     int64(topo.DataSize),
		global: cfg.GlobalBatchSize,
		ramp:   cfg.RampUp,
	}
	if c.micro*c.dp == 0 {
		return nil, fmt.Errorf("micro batch size and data-parallel size must be positive")
	}
	if c.global%(c.micro*c.dp) != 0 {
		return nil, fmt.Errorf("global batch size (%d) is not divisible by micro batch size (%d) times data-parallel size (%d)",
			c.global, c.micro, c.dp)
	}
	if r := c.ramp; r != nil {
		increments := (c.global - r.StartSize) / r.Increment
		if increments > 0 {
			c.samplesPerIncrement = r.Samples / increments
		}
		for size := r.StartSize; size < c.global; size += r.Increment {
			if size%(c.micro*c.dp) != 0 {
				return nil, fmt.Errorf("ramp-up batch size (%d) is not divisible by micro batch size (%d) times data-parallel size (%d)",
					size, c.micro, c.dp)
			}
		}
	}
	return c, nil
}

// GlobalBatchSize returns the global batch size in effect after
// consumedSamples samples.
func (c *BatchCalculator) GlobalBatchSize(consumedSamples int64) int64 {
	r := c.ramp
	if r == nil || c.samplesPerIncrement == 0 || consumedSamples >= r.Samples {
		return c.global
	}
	size := r.StartSize + (consumedSamples/c.samplesPerIncrement)*r.Increment
	return min(size, c.global)
}

// NumMicrobatches returns the microbatch count for the next step.
func (c *BatchCalculator) NumMicrobatches(consumedSamples int64) int64 {
	return c.GlobalBatchSize(consumedSamples) / (c.micro * c.dp)
}

// DeriveTrainIters converts a sample-based training budget into an iteration
// count, walking the ramp-up phase step by step and filling the remainder at
// the full batch size. Any partial last batch is discarded.
func DeriveTrainIters(cfg *config.Config, calc *BatchCalculator) int64 {
	if cfg.TrainIters > 0 {
		return cfg.TrainIters
	}
	if cfg.RampUp == nil {
		return cfg.TrainSamples / cfg.GlobalBatchSize
	}
	var iterations, consumed int64
	for consumed <= cfg.RampUp.Samples {
		consumed += calc.GlobalBatchSize(consumed)
		iterations++
	}
	return iterations + (cfg.TrainSamples-consumed)/cfg.GlobalBatchSize
}
