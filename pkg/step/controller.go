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

// Package step drives one optimizer step: gradient zeroing, forward/backward
// dispatch, distributed gradient reductions and the parameter update.
package step

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/utils/ptr"

	"github.com/distml/traincore/pkg/comm"
	"github.com/distml/traincore/pkg/config"
	"github.com/distml/traincore/pkg/schedule"
)

// EngineLossKey is the metric name the engine-pipeline path reports its
// batch loss under.
const EngineLossKey = "lm loss"

// Result is the outcome of one optimizer step. A skipped step means the
// optimizer withheld the update after detecting inf/nan; it is not an error.
// GradNorm and NumZeros are nil when the step was skipped or when the value
// is owned by the external engine.
type Result struct {
	Losses   schedule.LossDict
	Skipped  bool
	GradNorm *float64
	NumZeros *int64
}

// Controller executes the per-step state machine:
// zero grads, compute, reduce gradients, reduce embedding gradients, update.
type Controller struct {
	cfg       *config.Config
	topo      comm.Topology
	groups    comm.Groups
	models    []ModelPartition
	optimizer Optimizer
	lr        LRScheduler
	engine    Engine
	runners   schedule.RunnerSet
	log       logr.Logger
}

// New builds a step controller. engine may be nil; when set, gradient
// accumulation and the update are delegated to it.
func New(cfg *config.Config, topo comm.Topology, groups comm.Groups, models []ModelPartition,
	optimizer Optimizer, lr LRScheduler, engine Engine, runners schedule.RunnerSet, log logr.Logger) (*Controller, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("at least one model partition is required")
	}
	if engine == nil && optimizer == nil {
		return nil, fmt.Errorf("an optimizer is required unless an engine is attached")
	}
	if engine == nil && lr == nil {
		return nil, fmt.Errorf("a learning-rate scheduler is required unless an engine is attached")
	}
	return &Controller{
		cfg:       cfg,
		topo:      topo,
		groups:    groups,
		models:    models,
		optimizer: optimizer,
		lr:        lr,
		engine:    engine,
		runners:   runners,
		log:       log.WithName("step"),
	}, nil
}

// SetTrain switches every model partition between training and evaluation
// mode.
func (c *Controller) SetTrain(train bool) {
	for _, m := range c.models {
		m.SetTrain(train)
	}
}

// Models returns the model partitions, ordered by virtual pipeline stage.
func (c *Controller) Models() []ModelPartition { return c.models }

// Optimizer returns the local optimizer, nil on the engine path.
func (c *Controller) Optimizer() Optimizer { return c.optimizer }

// LRScheduler returns the learning-rate scheduler.
func (c *Controller) LRScheduler() LRScheduler { return c.lr }

// Engine returns the attached external engine, nil when local.
func (c *Controller) Engine() Engine { return c.engine }

// LossScale returns the current loss scale from whichever component owns it.
func (c *Controller) LossScale() float64 {
	if c.engine != nil {
		if s := c.engine.LossScale(); s != nil {
			return *s
		}
		return 0
	}
	return c.optimizer.LossScale()
}

// LearningRate returns the current learning rate, 0 when no scheduler is
// attached.
func (c *Controller) LearningRate() float64 {
	if c.lr == nil {
		return 0
	}
	return c.lr.LearningRate()
}

// SampleIncrement is the number of samples one step consumes across the
// whole cluster.
func (c *Controller) SampleIncrement(numMicrobatches int64) int64 {
	return numMicrobatches * c.cfg.MicroBatchSize * int64(c.topo.DataSize)
}

// Train executes one training step. An update failure is reported as
// Result.Skipped, never as an error; errors mean the step could not run at
// all.
func (c *Controller) Train(ctx context.Context, it schedule.DataIterator, numMicrobatches int64) (Result, error) {
	if c.engine != nil && c.cfg.EnginePipeline {
		loss, err := c.engine.TrainBatch(ctx, it)
		if err != nil {
			return Result{}, fmt.Errorf("engine train batch: %w", err)
		}
		return Result{
			Losses:   schedule.LossDict{EngineLossKey: loss},
			GradNorm: ptr.To(c.engine.GlobalGradNorm()),
			NumZeros: ptr.To(int64(0)),
		}, nil
	}

	// ZeroGrad. The engine manages its own accumulation.
	if c.engine == nil {
		if c.cfg.DDPImpl == config.DDPLocal && c.cfg.UseContiguousBuffers {
			for _, m := range c.models {
				m.ZeroGradBuffer()
			}
		} else {
			c.optimizer.ZeroGrad()
		}
	}

	losses, err := c.compute(ctx, it, numMicrobatches, false)
	if err != nil {
		return Result{}, err
	}

	// Gradients are synchronized as a compute side effect on the engine
	// path; reduce explicitly otherwise.
	if c.engine == nil && c.cfg.DDPImpl == config.DDPLocal {
		for _, m := range c.models {
			if err := m.AllReduceGradients(ctx, c.groups.Data); err != nil {
				return Result{}, fmt.Errorf("gradient all-reduce: %w", err)
			}
		}
	}

	if c.engine == nil {
		if err := c.reduceEmbeddingGrads(ctx); err != nil {
			return Result{}, err
		}
	}

	increment := c.SampleIncrement(numMicrobatches)
	if c.engine != nil {
		if err := c.engine.StepWithIncrement(ctx, increment); err != nil {
			return Result{}, fmt.Errorf("engine step: %w", err)
		}
		// The engine path averages on every rank. Losses are reported even
		// for a skipped step so nan accounting still sees them.
		return Result{
			Losses:  averageLosses(losses),
			Skipped: !c.engine.WasStepApplied(),
		}, nil
	}

	ok, gradNorm, numZeros, err := c.optimizer.Step(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("optimizer step: %w", err)
	}
	res := Result{Losses: schedule.LossDict{}}
	if ok {
		c.lr.Step(increment)
		res.GradNorm = gradNorm
		res.NumZeros = numZeros
	} else {
		// Inf/nan under loss scaling. Counted as skipped; the schedule
		// must not advance, and grad norm is meaningless.
		res.Skipped = true
	}
	if c.topo.IsPipelineLastStage() {
		res.Losses = averageLosses(losses)
	}
	return res, nil
}

// Forward executes one forward-only step for evaluation.
func (c *Controller) Forward(ctx context.Context, it schedule.DataIterator, numMicrobatches int64) ([]schedule.LossDict, error) {
	if c.engine != nil && c.cfg.EnginePipeline {
		// The engine aggregates across microbatches; replicate to keep
		// the per-microbatch shape.
		loss, err := c.engine.EvalBatch(ctx, it)
		if err != nil {
			return nil, fmt.Errorf("engine eval batch: %w", err)
		}
		out := make([]schedule.LossDict, numMicrobatches)
		for i := range out {
			out[i] = schedule.LossDict{EngineLossKey: loss}
		}
		return out, nil
	}
	return c.compute(ctx, it, numMicrobatches, true)
}

func (c *Controller) compute(ctx context.Context, it schedule.DataIterator, numMicrobatches int64, forwardOnly bool) ([]schedule.LossDict, error) {
	choice, err := schedule.Choose(c.topo, numMicrobatches)
	if err != nil {
		return nil, err
	}
	runner, err := c.runners.For(choice)
	if err != nil {
		return nil, err
	}
	models := make([]schedule.ModelPartition, len(c.models))
	for i, m := range c.models {
		models[i] = m
	}
	distillationActive := c.cfg.Distillation && !forwardOnly
	losses, err := runner.Run(ctx, it, models, numMicrobatches, forwardOnly, distillationActive)
	if err != nil {
		return nil, fmt.Errorf("schedule %v: %w", choice, err)
	}
	return losses, nil
}

// reduceEmbeddingGrads keeps tied input/output embedding weights in sync
// across the two ends of the pipeline.
func (c *Controller) reduceEmbeddingGrads(ctx context.Context) error {
	if c.topo.PipelineSize <= 1 {
		return nil
	}
	if !c.topo.IsPipelineFirstStage() && !c.topo.IsPipelineLastStage() {
		return nil
	}
	var m ModelPartition
	if c.topo.IsPipelineFirstStage() {
		m = c.models[0]
	} else {
		m = c.models[len(c.models)-1]
	}
	if !m.SharesEmbeddings() {
		return nil
	}
	if err := c.groups.Embedding.AllReduce(ctx, m.EmbeddingGrad(), comm.OpSum); err != nil {
		return fmt.Errorf("embedding gradient all-reduce: %w", err)
	}
	return nil
}

// averageLosses averages per-microbatch loss dicts arithmetically per key.
// The key set comes from the first microbatch; keys a later microbatch did
// not report are averaged over the microbatches that did.
func averageLosses(losses []schedule.LossDict) schedule.LossDict {
	avg := schedule.LossDict{}
	if len(losses) == 0 {
		return avg
	}
	for key := range losses[0] {
		var sum float64
		var n int
		for _, ld := range losses {
			if v, ok := ld[key]; ok {
				sum += v
				n++
			}
		}
		avg[key] = sum / float64(n)
	}
	return avg
}
