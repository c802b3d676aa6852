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
	"math"

	"github.com/distml/traincore/pkg/metrics"
	"github.com/distml/traincore/pkg/schedule"
)

// Evaluate runs the bounded validation loop: EvalIters forward-only passes
// through the step scheduler, aggregated by total microbatch count (there is
// no skip concept in evaluation). Training mode is restored on every exit
// path.
func (l *Loop) Evaluate(ctx context.Context, it schedule.DataIterator) (schedule.LossDict, error) {
	l.ctrl.SetTrain(false)
	defer l.ctrl.SetTrain(true)

	// Evaluation data must not be truncated by the curriculum; force the
	// full length and let the engine resize its activation buffers.
	restoreCurriculum := false
	if l.curriculumActive() && l.state.CurriculumSeqLen < l.cfg.SeqLength {
		l.state.CurriculumSeqLen = l.cfg.SeqLength
		if engine := l.ctrl.Engine(); engine != nil {
			engine.ResetActivationShape()
		}
		restoreCurriculum = true
	}
	defer func() {
		if !restoreCurriculum {
			return
		}
		l.state.CurriculumSeqLen = l.curriculum.UpdateDifficulty(l.state.Iteration + 1)
		if l.state.CurriculumSeqLen < l.cfg.SeqLength {
			if engine := l.ctrl.Engine(); engine != nil {
				engine.ResetActivationShape()
			}
		}
	}()

	numMicrobatches := l.batch.NumMicrobatches(l.state.ConsumedTrainSamples)
	totals := schedule.LossDict{}
	for i := int64(0); i < l.cfg.EvalIters; i++ {
		lossDicts, err := l.ctrl.Forward(ctx, it, numMicrobatches)
		if err != nil {
			return nil, fmt.Errorf("evaluation iteration %d: %w", i+1, err)
		}
		if l.topo.IsPipelineLastStage() {
			for _, ld := range lossDicts {
				for key, v := range ld {
					totals[key] += v
				}
			}
		}
		l.state.ConsumedValidSamples += l.ctrl.SampleIncrement(numMicrobatches)
	}

	for key := range totals {
		totals[key] /= float64(l.cfg.EvalIters * numMicrobatches)
	}
	return totals, nil
}

// evaluateAndReport evaluates and surfaces the results via log and sink,
// including perplexity.
func (l *Loop) evaluateAndReport(ctx context.Context, prefix string, test bool) error {
	totals, err := l.Evaluate(ctx, l.validIter)
	if err != nil {
		return err
	}

	dataType := "validation"
	if test {
		dataType = "test"
	}
	axes := metrics.Axes{
		Iteration:       l.state.Iteration,
		ConsumedSamples: l.state.ConsumedTrainSamples,
		ConsumedTokens:  l.state.ConsumedTrainTokens,
	}
	kvs := []any{"at", prefix, "data", dataType}
	for key, v := range totals {
		ppl := math.Exp(math.Min(20, v))
		kvs = append(kvs, key, v, key+" ppl", ppl)
		if l.sink != nil {
			l.sink.WriteScalar(fmt.Sprintf("lm-loss-%s/%s", dataType, key), v, axes)
			l.sink.WriteScalar(fmt.Sprintf("lm-loss-%s/%s ppl", dataType, key), ppl, axes)
		}
	}
	if l.topo.IsPipelineLastStage() {
		l.log.Info("validation loss", kvs...)
	}
	return nil
}

// Finish runs the end-of-training side effects: a final validation pass and
// a final checkpoint save.
func (l *Loop) Finish(ctx context.Context) error {
	if l.validIter != nil && l.cfg.EvalIters > 0 {
		if err := l.evaluateAndReport(ctx, "the end of training", false); err != nil {
			return err
		}
	}
	if l.store != nil && l.state.Iteration != 0 {
		if err := l.saveCheckpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}
