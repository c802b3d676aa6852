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

package schedule

import (
	"context"
	"fmt"
)

// NoPipelineRunner runs forward (and backward, unless forwardOnly) for each
// microbatch in sequence on a single model partition, accumulating gradients
// across microbatches.
type NoPipelineRunner struct {
	Forward ForwardStepFunc
}

var _ Runner = (*NoPipelineRunner)(nil)

func (r *NoPipelineRunner) Run(ctx context.Context, it DataIterator, models []ModelPartition, numMicrobatches int64, forwardOnly, distillationActive bool) ([]LossDict, error) {
	if len(models) != 1 {
		return nil, fmt.Errorf("no-pipelining schedule expects a single model partition, got %d", len(models))
	}
	model := models[0]

	losses := make([]LossDict, 0, numMicrobatches)
	for i := int64(0); i < numMicrobatches; i++ {
		loss, lossDict, err := r.Forward(ctx, it, model, distillationActive)
		if err != nil {
			return nil, fmt.Errorf("forward step for microbatch %d: %w", i, err)
		}
		if !forwardOnly {
			if err := model.Backward(ctx, loss); err != nil {
				return nil, fmt.Errorf("backward step for microbatch %d: %w", i, err)
			}
		}
		losses = append(losses, lossDict)
	}
	return losses, nil
}
