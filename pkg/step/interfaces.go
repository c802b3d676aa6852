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

package step

import (
	"context"
	"fmt"

	"github.com/distml/traincore/pkg/comm"
	"github.com/distml/traincore/pkg/schedule"
)

// ModelPartition extends the schedule-level partition with the gradient
// surface the step controller drives between compute and update.
type ModelPartition interface {
	schedule.ModelPartition

	// ZeroGradBuffer zeroes the contiguous gradient buffer owned by this
	// partition. Only used with the local DDP implementation and
	// contiguous buffers.
	ZeroGradBuffer()
	// AllReduceGradients averages this partition's gradients across the
	// data-parallel group.
	AllReduceGradients(ctx context.Context, g comm.Group) error
	// SharesEmbeddings reports whether input and output embeddings are
	// tied, requiring the embedding gradient reduction across the first
	// and last pipeline stages.
	SharesEmbeddings() bool
	// EmbeddingGrad exposes the tied embedding's gradient for the
	// embedding-group reduction. Only consulted when SharesEmbeddings.
	EmbeddingGrad() []float64
}

// ModelProvider builds one model partition. preProcess marks the partition
// holding the input embedding, postProcess the one producing the loss; both
// are true for an unpartitioned model.
type ModelProvider func(preProcess, postProcess bool) (ModelPartition, error)

// BuildPartitions calls provider once per virtual pipeline stage of this
// rank, in stage order.
func BuildPartitions(topo comm.Topology, provider ModelProvider) ([]ModelPartition, error) {
	count := 1
	if topo.PipelineSize > 1 && topo.VirtualPipelineSize != nil {
		count = *topo.VirtualPipelineSize
	}
	partitions := make([]ModelPartition, 0, count)
	for i := 0; i < count; i++ {
		preProcess := topo.IsPipelineFirstStage() && i == 0
		postProcess := topo.IsPipelineLastStage() && i == count-1
		m, err := provider(preProcess, postProcess)
		if err != nil {
			return nil, fmt.Errorf("building model partition %d: %w", i, err)
		}
		partitions = append(partitions, m)
	}
	return partitions, nil
}

// Optimizer is the parameter-update contract. Step reports success false
// when loss scaling detected inf/nan and the update was withheld; grad norm
// and zero count are meaningless in that case.
type Optimizer interface {
	Step(ctx context.Context) (ok bool, gradNorm *float64, numZeros *int64, err error)
	ZeroGrad()
	LossScale() float64
}

// LRScheduler advances the learning-rate schedule by a number of consumed
// samples. It must not be advanced for a skipped step.
type LRScheduler interface {
	Step(increment int64)
	LearningRate() float64
}

// Engine is the external parallel-training engine surface. When attached,
// the engine owns gradient accumulation, synchronization and the optimizer
// update; with EnginePipeline it owns whole-batch scheduling too.
type Engine interface {
	// TrainBatch runs one full training batch under the engine's pipeline
	// schedule and returns the averaged loss.
	TrainBatch(ctx context.Context, it schedule.DataIterator) (float64, error)
	// EvalBatch is TrainBatch without gradients; the engine aggregates
	// the loss across microbatches itself.
	EvalBatch(ctx context.Context, it schedule.DataIterator) (float64, error)
	// StepWithIncrement applies the engine's optimizer update and advances
	// its schedule by the given consumed-sample increment.
	StepWithIncrement(ctx context.Context, increment int64) error
	// WasStepApplied reports whether the last StepWithIncrement actually
	// updated parameters (false on overflow detection).
	WasStepApplied() bool
	GlobalGradNorm() float64
	LossScale() *float64
	// SetTrainBatchSize informs the engine of a batch-size change from
	// ramp-up.
	SetTrainBatchSize(globalBatchSize int64)
	// ResetActivationShape invalidates the engine's pipeline activation
	// buffers after an effective sequence-length change.
	ResetActivationShape()
}
