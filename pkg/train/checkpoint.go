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
	"context"
	"fmt"

	"github.com/distml/traincore/pkg/comm"
	"github.com/distml/traincore/pkg/config"
	"github.com/distml/traincore/pkg/step"
)

// CheckpointStore persists and restores training state. The serialization
// format is owned by the implementation; this package only orchestrates when
// saves and loads happen and keeps the resume bookkeeping consistent.
type CheckpointStore interface {
	Save(ctx context.Context, iteration int64, models []step.ModelPartition, optimizer step.Optimizer, lr step.LRScheduler) error
	Load(ctx context.Context, models []step.ModelPartition, optimizer step.Optimizer, lr step.LRScheduler, strict, loadOnlyWeights bool) (int64, error)
}

// ReconcileLegacyResume reconstructs consumed-sample counters for
// checkpoints that recorded an iteration but no consumption counters.
//
// The reconstruction assumes the batch size was constant for the whole
// original run; it is backward-compatibility only and wrong when batch-size
// ramp-up was used, which is why sample-based training refuses it.
func ReconcileLegacyResume(cfg *config.Config, state *State) error {
	if state.Iteration <= 0 {
		return nil
	}
	if state.ConsumedTrainSamples == 0 {
		if cfg.TrainSamples > 0 {
			return fmt.Errorf("legacy resume bookkeeping only supports iteration-based training")
		}
		state.ConsumedTrainSamples = state.Iteration * cfg.GlobalBatchSize
	}
	if state.ConsumedValidSamples == 0 && cfg.EvalInterval > 0 {
		if cfg.TrainSamples > 0 {
			return fmt.Errorf("legacy resume bookkeeping only supports iteration-based training")
		}
		state.ConsumedValidSamples = (state.Iteration / cfg.EvalInterval) * cfg.EvalIters * cfg.GlobalBatchSize
	}
	return nil
}

// saveCheckpoint saves with barriers on both sides so every rank reports the
// full save time and no rank runs ahead into the next step mid-save.
func (l *Loop) saveCheckpoint(ctx context.Context) error {
	if err := l.groups.World.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier before checkpoint save: %w", err)
	}
	start := l.clock.Now()
	if err := l.store.Save(ctx, l.state.Iteration, l.ctrl.Models(), l.ctrl.Optimizer(), l.ctrl.LRScheduler()); err != nil {
		return fmt.Errorf("checkpoint save at iteration %d: %w", l.state.Iteration, err)
	}
	if err := l.groups.World.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier after checkpoint save: %w", err)
	}
	l.log.Info("saved checkpoint", "iteration", l.state.Iteration, "elapsed", l.clock.Since(start))
	return nil
}

// consensus MAX-reduces a local boolean across all ranks so every rank takes
// the same branch. A single rank voting true is enough to make the decision
// true everywhere.
func (l *Loop) consensus(ctx context.Context, local bool) (bool, error) {
	vals := []float64{0}
	if local {
		vals[0] = 1
	}
	if err := l.groups.World.AllReduce(ctx, vals, comm.OpMax); err != nil {
		return false, fmt.Errorf("termination consensus all-reduce: %w", err)
	}
	return vals[0] > 0, nil
}
