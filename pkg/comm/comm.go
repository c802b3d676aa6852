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

package comm

import "context"

// Op selects the reduction applied by AllReduce.
type Op int

const (
	OpSum Op = iota
	OpMax
	OpMin
)

// Group is the collective-operation contract for one process group.
// Every rank in the group must issue the identical sequence of collective
// calls; a call blocks until all ranks in the group have arrived.
type Group interface {
	// AllReduce reduces vals element-wise across all ranks in the group
	// and replaces vals with the result on every rank.
	AllReduce(ctx context.Context, vals []float64, op Op) error
	// Broadcast replaces vals on every rank with root's vals.
	Broadcast(ctx context.Context, vals []float64, root int) error
	// Barrier blocks until all ranks in the group have arrived.
	Barrier(ctx context.Context) error
	Rank() int
	Size() int
}

// Topology holds this rank's coordinates along the three parallelism axes.
// Coordinates are fixed for the lifetime of the process.
type Topology struct {
	TensorRank int
	TensorSize int

	PipelineRank int
	PipelineSize int

	DataRank int
	DataSize int

	// VirtualPipelineSize is the number of virtual stages per pipeline
	// rank when the interleaved schedule is configured, nil otherwise.
	VirtualPipelineSize *int
}

// IsPipelineFirstStage reports whether this rank holds the first pipeline
// stage, ignoring virtual stages.
func (t Topology) IsPipelineFirstStage() bool {
	return t.PipelineRank == 0
}

// IsPipelineLastStage reports whether this rank holds the terminal pipeline
// stage, ignoring virtual stages. The terminal stage produces the loss.
func (t Topology) IsPipelineLastStage() bool {
	return t.PipelineRank == t.PipelineSize-1
}

// Groups bundles the process-group handles a training rank needs.
// Embedding is only consulted when PipelineSize > 1 and the model shares
// input/output embedding weights; it spans the first and last pipeline
// stages.
type Groups struct {
	World     Group
	Data      Group
	Tensor    Group
	Pipeline  Group
	Embedding Group
}
