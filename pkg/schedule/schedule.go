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

// Package schedule selects and executes a forward/backward execution
// strategy for one training or evaluation step.
package schedule

import (
	"context"
	"fmt"

	"github.com/distml/traincore/pkg/comm"
)

// LossDict maps a metric name to the scalar loss value one microbatch
// reported for it. The forward step must report the same key set for every
// microbatch of a step; keys missing from a microbatch are silently absent
// from the step average.
type LossDict map[string]float64

// DataIterator yields one batch per call. The forward step advances it
// exactly once per microbatch.
type DataIterator interface {
	Next() (any, error)
}

// ModelPartition is the slice of the model this rank owns, as seen by the
// schedule runners. One entry per virtual pipeline stage; length 1 otherwise.
type ModelPartition interface {
	// SetTrain switches between training mode (dropout on) and evaluation
	// mode.
	SetTrain(train bool)
	// Backward runs the backward pass for one microbatch, accumulating
	// gradients.
	Backward(ctx context.Context, loss float64) error
}

// ForwardStepFunc runs the model forward for one microbatch. It must advance
// the data iterator exactly once, and returns the scalar training loss plus
// the named metric values to aggregate. distillationActive tells the forward
// step to additionally compute the distillation loss term against the
// teacher model.
type ForwardStepFunc func(ctx context.Context, it DataIterator, model ModelPartition, distillationActive bool) (float64, LossDict, error)

// Choice is the forward/backward execution strategy for one step. It is
// recomputed from topology and configuration each step and passed by value.
type Choice int

const (
	NoPipeline Choice = iota
	PipelineNoInterleave
	PipelineInterleave
)

func (c Choice) String() string {
	switch c {
	case NoPipeline:
		return "NoPipeline"
	case PipelineNoInterleave:
		return "PipelineNoInterleave"
	case PipelineInterleave:
		return "PipelineInterleave"
	default:
		return fmt.Sprintf("Choice(%d)", int(c))
	}
}

// Choose picks the execution strategy for the given topology. With the
// interleaved schedule the number of microbatches must divide evenly across
// the pipeline; anything else is a configuration error, not a runtime
// condition.
func Choose(topo comm.Topology, numMicrobatches int64) (Choice, error) {
	if topo.PipelineSize > 1 {
		if topo.VirtualPipelineSize != nil {
			if numMicrobatches%int64(topo.PipelineSize) != 0 {
				return 0, fmt.Errorf("number of microbatches (%d) is not divisible by pipeline-parallel size (%d) when using interleaved schedule",
					numMicrobatches, topo.PipelineSize)
			}
			return PipelineInterleave, nil
		}
		return PipelineNoInterleave, nil
	}
	return NoPipeline, nil
}

// Runner executes exactly one step under one strategy and returns the
// per-microbatch loss dicts. Non-terminal pipeline stages return empty or
// partial results.
type Runner interface {
	Run(ctx context.Context, it DataIterator, models []ModelPartition, numMicrobatches int64, forwardOnly, distillationActive bool) ([]LossDict, error)
}

// RunnerSet holds one runner per strategy. The pipelined runners own the
// send/recv scheduling internals and are supplied by the transport layer;
// NoPipeline defaults to the built-in accumulate-over-microbatches runner
// when nil.
type RunnerSet struct {
	NoPipeline           Runner
	PipelineNoInterleave Runner
	PipelineInterleave   Runner
}

// For returns the runner for a choice.
func (s RunnerSet) For(c Choice) (Runner, error) {
	var r Runner
	switch c {
	case NoPipeline:
		r = s.NoPipeline
	case PipelineNoInterleave:
		r = s.PipelineNoInterleave
	case PipelineInterleave:
		r = s.PipelineInterleave
	}
	if r == nil {
		return nil, fmt.Errorf("no runner registered for schedule %v", c)
	}
	return r, nil
}
