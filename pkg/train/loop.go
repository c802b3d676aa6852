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
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/distml/traincore/pkg/comm"
	"github.com/distml/traincore/pkg/config"
	"github.com/distml/traincore/pkg/metrics"
	"github.com/distml/traincore/pkg/progress"
	"github.com/distml/traincore/pkg/schedule"
	"github.com/distml/traincore/pkg/step"
)

// StopReason is the terminal state of a training run. The loop never calls
// the process-exit path itself; the caller decides what a reason means for
// process shutdown.
type StopReason string

const (
	// StopCompleted means the iteration or token budget was exhausted.
	StopCompleted StopReason = "Completed"
	// StopDuration means the wall-clock duration limit was exceeded on at
	// least one rank.
	StopDuration StopReason = "DurationExceeded"
	// StopExitInterval means the configured exit-interval boundary was hit.
	StopExitInterval StopReason = "ExitInterval"
	// StopAutoResume means the external resume manager requested a
	// checkpoint-and-exit.
	StopAutoResume StopReason = "AutoResume"
)

// Options wires a Loop. Config, Topology, Groups, State, Controller,
// Aggregator, Batch and TrainIterator are required; everything else is
// optional.
type Options struct {
	Config     *config.Config
	Topology   comm.Topology
	Groups     comm.Groups
	State      *State
	Controller *step.Controller
	Aggregator *metrics.Aggregator
	Batch      *BatchCalculator

	TrainIterator schedule.DataIterator
	ValidIterator schedule.DataIterator

	Collectors *metrics.Collectors
	Sink       metrics.Sink
	Curriculum CurriculumScheduler
	RandomLTD  RandomLTDScheduler
	// DataEfficiencyNumel, when set, supplies the per-step element count
	// the data-efficiency curriculum path uses for token accounting.
	DataEfficiencyNumel func() (int64, bool)
	Store               CheckpointStore
	Progress            *progress.Writer
	AutoResume          AutoResume

	Clock  clock.Clock
	Logger logr.Logger
}

// Loop is the top-level training state machine. One instance per rank; every
// rank must run the identical iteration sequence or the collective calls
// deadlock.
type Loop struct {
	cfg    *config.Config
	topo   comm.Topology
	groups comm.Groups
	state  *State
	ctrl   *step.Controller
	agg    *metrics.Aggregator
	batch  *BatchCalculator

	trainIter schedule.DataIterator
	validIter schedule.DataIterator

	collectors *metrics.Collectors
	sink       metrics.Sink
	curriculum CurriculumScheduler
	randomLTD  RandomLTDScheduler
	stepNumel  func() (int64, bool)
	store      CheckpointStore
	progress   *progress.Writer
	autoResume AutoResume

	clock      clock.Clock
	log        logr.Logger
	trainIters int64
	startTime  time.Time
}

// NewLoop validates the wiring and builds the loop.
func NewLoop(opts Options) (*Loop, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("config is required")
	case opts.State == nil:
		return nil, fmt.Errorf("state is required")
	case opts.Controller == nil:
		return nil, fmt.Errorf("step controller is required")
	case opts.Aggregator == nil:
		return nil, fmt.Errorf("aggregator is required")
	case opts.Batch == nil:
		return nil, fmt.Errorf("batch calculator is required")
	case opts.TrainIterator == nil:
		return nil, fmt.Errorf("train data iterator is required")
	}
	cl := opts.Clock
	if cl == nil {
		cl = clock.RealClock{}
	}
	return &Loop{
		cfg:        opts.Config,
		topo:       opts.Topology,
		groups:     opts.Groups,
		state:      opts.State,
		ctrl:       opts.Controller,
		agg:        opts.Aggregator,
		batch:      opts.Batch,
		trainIter:  opts.TrainIterator,
		validIter:  opts.ValidIterator,
		collectors: opts.Collectors,
		sink:       opts.Sink,
		curriculum: opts.Curriculum,
		randomLTD:  opts.RandomLTD,
		stepNumel:  opts.DataEfficiencyNumel,
		store:      opts.Store,
		progress:   opts.Progress,
		autoResume: opts.AutoResume,
		clock:      cl,
		log:        opts.Logger.WithName("train"),
		trainIters: DeriveTrainIters(opts.Config, opts.Batch),
	}, nil
}

// curriculumActive reports whether curriculum sequence-length adjustment
// applies on this rank: curriculum learning configured and no pipeline
// parallelism.
func (l *Loop) curriculumActive() bool {
	return l.cfg.CurriculumLearning && l.curriculum != nil && l.topo.PipelineSize == 1
}

func (l *Loop) worldSize() int {
	return l.topo.TensorSize * l.topo.PipelineSize * l.topo.DataSize
}

// Run drives training until a termination condition is reached and returns
// the final iteration count with the stop reason. Both exit limits are
// MAX-reduced across all ranks before taking effect so that no rank can
// leave the collective sequence alone.
func (l *Loop) Run(ctx context.Context) (int64, StopReason, error) {
	// Align the start time to the earliest rank so the duration limit is
	// measured the way the cluster scheduler sees it.
	startSecs := []float64{float64(l.clock.Now().Unix())}
	if err := l.groups.World.AllReduce(ctx, startSecs, comm.OpMin); err != nil {
		return l.state.Iteration, "", fmt.Errorf("start-time all-reduce: %w", err)
	}
	l.startTime = time.Unix(int64(startSecs[0]), 0)

	l.ctrl.SetTrain(true)
	l.log.Info("training", "startIteration", l.state.Iteration, "trainIters", l.trainIters)

	for l.state.Iteration < l.trainIters &&
		(l.cfg.TrainTokens == 0 || l.state.ConsumedTrainTokens < l.cfg.TrainTokens) {
		stop, reason, err := l.runIteration(ctx)
		if err != nil {
			return l.state.Iteration, "", err
		}
		if stop {
			return l.state.Iteration, reason, nil
		}
	}
	return l.state.Iteration, StopCompleted, nil
}

func (l *Loop) runIteration(ctx context.Context) (bool, StopReason, error) {
	numMicrobatches := l.batch.NumMicrobatches(l.state.ConsumedTrainSamples)
	if engine := l.ctrl.Engine(); engine != nil {
		// Keep the engine's notion of the batch size in sync with ramp-up.
		engine.SetTrainBatchSize(l.batch.GlobalBatchSize(l.state.ConsumedTrainSamples))
	}
	if l.curriculumActive() {
		l.state.CurriculumSeqLen = l.curriculum.UpdateDifficulty(l.state.Iteration + 1)
	}

	res, err := l.ctrl.Train(ctx, l.trainIter, numMicrobatches)
	if err != nil {
		return false, "", fmt.Errorf("training step at iteration %d: %w", l.state.Iteration+1, err)
	}

	l.state.Iteration++
	newSamples := l.ctrl.SampleIncrement(numMicrobatches)
	l.state.ConsumedTrainSamples += newSamples

	actualSeqLen := l.actualSeqLength()
	tokenDelta := l.tokenDelta(newSamples, numMicrobatches, actualSeqLen)
	l.state.ConsumedTrainTokens += tokenDelta
	l.collectors.AddConsumed(newSamples, tokenDelta)

	l.observeStep(res, newSamples, actualSeqLen)

	savedCheckpoint := false

	if l.autoResume != nil && l.cfg.AutoResumeInterval > 0 && l.state.Iteration%l.cfg.AutoResumeInterval == 0 {
		requested, err := l.autoResume.ShouldTerminate(ctx, l.state.Iteration)
		if err != nil {
			return false, "", fmt.Errorf("auto-resume check: %w", err)
		}
		done, err := l.consensus(ctx, requested)
		if err != nil {
			return false, "", err
		}
		if done {
			if l.store != nil {
				if err := l.saveCheckpoint(ctx); err != nil {
					return false, "", err
				}
			}
			l.log.Info("exiting for auto-resume", "iteration", l.state.Iteration)
			return true, StopAutoResume, nil
		}
	}

	if l.cfg.EvalInterval > 0 && l.state.Iteration%l.cfg.EvalInterval == 0 && l.validIter != nil {
		prefix := fmt.Sprintf("iteration %d", l.state.Iteration)
		if err := l.evaluateAndReport(ctx, prefix, false); err != nil {
			return false, "", err
		}
	}

	if l.store != nil && l.cfg.SaveInterval > 0 && l.state.Iteration%l.cfg.SaveInterval == 0 {
		if err := l.saveCheckpoint(ctx); err != nil {
			return false, "", err
		}
		savedCheckpoint = true
	}

	if l.cfg.ExitDuration > 0 {
		exceeded := l.clock.Since(l.startTime) > l.cfg.ExitDuration
		done, err := l.consensus(ctx, exceeded)
		if err != nil {
			return false, "", err
		}
		if done {
			if !savedCheckpoint && l.store != nil {
				if err := l.saveCheckpoint(ctx); err != nil {
					return false, "", err
				}
			}
			l.log.Info("exiting on duration limit", "iteration", l.state.Iteration,
				"elapsed", l.clock.Since(l.startTime))
			return true, StopDuration, nil
		}
	}

	if l.cfg.ExitInterval > 0 && l.state.Iteration%l.cfg.ExitInterval == 0 {
		if !savedCheckpoint && l.store != nil {
			if err := l.saveCheckpoint(ctx); err != nil {
				return false, "", err
			}
		}
		if err := l.groups.World.Barrier(ctx); err != nil {
			return false, "", fmt.Errorf("barrier before exit: %w", err)
		}
		l.log.Info("exiting on exit interval", "iteration", l.state.Iteration)
		return true, StopExitInterval, nil
	}

	return false, "", nil
}

// actualSeqLength computes the effective sequence length of the step just
// executed: base length, overridden by the curriculum length, further
// blended down by random-LTD.
func (l *Loop) actualSeqLength() int64 {
	actual := l.cfg.SeqLength
	if (l.cfg.CurriculumLearning || l.cfg.DataEfficiencyCurriculum) && l.state.CurriculumSeqLen > 0 {
		actual = l.state.CurriculumSeqLen
	}
	if l.cfg.RandomLTD && l.randomLTD != nil {
		l.state.RandomLTDReservedLength = l.randomLTD.ReservedLength()
		actual = blendSeqLength(actual, l.state.RandomLTDReservedLength, l.cfg.NumLayers, l.randomLTD.LayerCount())
	}
	return actual
}

// tokenDelta converts the step's sample delta into consumed tokens. The
// data-efficiency curriculum supplies an explicit per-microbatch element
// count that replaces the nominal micro-batch-size times curriculum-length
// product.
func (l *Loop) tokenDelta(newSamples, numMicrobatches, actualSeqLen int64) int64 {
	if l.stepNumel != nil && (l.cfg.CurriculumLearning || l.cfg.DataEfficiencyCurriculum) {
		if numel, ok := l.stepNumel(); ok && l.state.CurriculumSeqLen > 0 {
			actMicroBatch := float64(numel) / float64(l.state.CurriculumSeqLen)
			actTokens := actMicroBatch * float64(actualSeqLen)
			return int64(float64(l.topo.DataSize) * float64(numMicrobatches) * actTokens)
		}
	}
	return newSamples * actualSeqLen
}

// observeStep feeds the aggregator and handles the logging and tensorboard
// interval boundaries.
func (l *Loop) observeStep(res step.Result, newSamples, actualSeqLen int64) {
	l.agg.Record(res)

	axes := metrics.Axes{
		Iteration:       l.state.Iteration,
		ConsumedSamples: l.state.ConsumedTrainSamples,
		ConsumedTokens:  l.state.ConsumedTrainTokens,
	}

	if l.sink != nil && l.cfg.TensorboardInterval > 0 && l.state.Iteration%l.cfg.TensorboardInterval == 0 {
		scalars := map[string]float64{
			"learning-rate/learning-rate": l.ctrl.LearningRate(),
			"batch-size/batch-size":       float64(newSamples),
			"loss-scale/loss-scale":       l.ctrl.LossScale(),
			"seqlen/actual-seq-length":    float64(actualSeqLen),
		}
		for key, v := range res.Losses {
			scalars["lm-loss-training/"+key] = v
		}
		if res.GradNorm != nil {
			scalars["grad-norm/grad-norm"] = *res.GradNorm
		}
		if res.NumZeros != nil {
			scalars["num-zeros/num-zeros"] = float64(*res.NumZeros)
		}
		if l.cfg.CurriculumLearning || l.cfg.DataEfficiencyCurriculum {
			scalars["seqlen/curriculum-seqlen"] = float64(l.state.CurriculumSeqLen)
		}
		if l.cfg.RandomLTD {
			scalars["seqlen/random-ltd-reserved-length"] = float64(l.state.RandomLTDReservedLength)
		}
		metrics.WriteScalars(l.sink, scalars, axes)
	}

	if l.cfg.LogInterval > 0 && l.state.Iteration%l.cfg.LogInterval == 0 {
		rep := l.agg.Flush()
		tp := metrics.ComputeThroughput(l.cfg, newSamples, actualSeqLen,
			rep.Advanced+rep.Skipped, rep.Elapsed, l.worldSize(), l.topo.DataSize)
		l.collectors.ObserveInterval(tp, l.ctrl.LearningRate(), l.ctrl.LossScale())

		kvs := []any{
			"iteration", fmt.Sprintf("%d/%d", l.state.Iteration, l.trainIters),
			"consumedSamples", l.state.ConsumedTrainSamples,
			"consumedTokens", l.state.ConsumedTrainTokens,
			"timePerIterationMs", rep.TimePerIteration.Milliseconds(),
			"learningRate", l.ctrl.LearningRate(),
			"globalBatchSize", newSamples,
			"lossScale", l.ctrl.LossScale(),
			"actualSeqLen", actualSeqLen,
			"skippedIterations", rep.Skipped,
			"nanIterations", rep.Nan,
			"samplesPerSecond", tp.SamplesPerSec,
			"tflops", tp.TFLOPs,
		}
		for key, avg := range rep.Averages {
			if avg > 0 {
				kvs = append(kvs, key, avg)
			}
		}
		if l.topo.IsPipelineLastStage() {
			l.log.Info("training", kvs...)
		}

		if l.sink != nil {
			l.sink.WriteScalar("iteration-time/iteration-time", rep.TimePerIteration.Seconds(), axes)
		}

		if l.progress != nil {
			if err := l.progress.Write(l.state.Iteration, l.trainIters, "Training in progress", rep.Averages); err != nil {
				l.log.Error(err, "failed to write progression status")
			}
		}
	}
}
