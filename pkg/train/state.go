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

// Package train runs the outer training control loop: iteration counting,
// consumed-sample and token bookkeeping, curriculum adjustments, periodic
// evaluation and checkpointing, and cluster-consistent termination.
package train

import "context"

// State is the rank-local mutable training record. It is mutated only by
// the control loop and the step controller, once per iteration, and is
// persisted at checkpoint boundaries. It is never shared across ranks except
// through explicit collectives.
type State struct {
	Iteration            int64
	ConsumedTrainSamples int64
	ConsumedValidSamples int64
	ConsumedTrainTokens  int64

	// CurriculumSeqLen is the sequence length the curriculum scheduler
	// currently allows. Zero when curriculum learning is inactive.
	CurriculumSeqLen int64

	// RandomLTDReservedLength is the shortened sequence length the
	// random-LTD scheduler reserved for the current step. Zero when
	// random-LTD is inactive.
	RandomLTDReservedLength int64
}

// CurriculumScheduler progressively raises the permitted sequence length
// over training.
type CurriculumScheduler interface {
	// UpdateDifficulty returns the sequence length to use for the given
	// upcoming iteration.
	UpdateDifficulty(iteration int64) int64
}

// RandomLTDScheduler drives random layerwise token dropping: a subset of
// layers processes a shortened sequence each step.
type RandomLTDScheduler interface {
	// ReservedLength is the shortened sequence length for the current step.
	ReservedLength() int64
	// LayerCount is the number of layers the reduction applies to.
	LayerCount() int64
}

// AutoResume answers liveness probes from an external resume manager. A
// true result requests a clean checkpoint-and-exit so the job scheduler can
// requeue the run.
type AutoResume interface {
	ShouldTerminate(ctx context.Context, iteration int64) (bool, error)
}

// blendSeqLength folds the random-LTD reserved length into the effective
// sequence length, weighting by how many layers apply the reduction. The
// truncating division is part of the contract; training-dynamics parity
// matters more than rounding.
func blendSeqLength(actual, reserved, numLayers, ltdLayers int64) int64 {
	if reserved >= actual || numLayers <= 0 {
		return actual
	}
	return (actual*(numLayers-ltdLayers) + reserved*ltdLayers) / numLayers
}
