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

package trainloop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/distml/traincore/pkg/comm"
	"github.com/distml/traincore/pkg/config"
	"github.com/distml/traincore/pkg/metrics"
	"github.com/distml/traincore/pkg/progress"
	"github.com/distml/traincore/pkg/schedule"
	"github.com/distml/traincore/pkg/step"
	"github.com/distml/traincore/pkg/train"
)

type model struct{}

func (model) SetTrain(bool) {}

func (model) Backward(context.Context, float64) error { return nil }

func (model) ZeroGradBuffer() {}

func (model) AllReduceGradients(context.Context, comm.Group) error { return nil }

func (model) SharesEmbeddings() bool { return false }

func (model) EmbeddingGrad() []float64 { return nil }

type optimizer struct {
	onStep func()
}

func (o *optimizer) Step(context.Context) (bool, *float64, *int64, error) {
	if o.onStep != nil {
		o.onStep()
	}
	return true, ptr.To(1.0), ptr.To(int64(0)), nil
}

func (o *optimizer) ZeroGrad() {}

func (o *optimizer) LossScale() float64 { return 4096 }

type lrScheduler struct {
	stepped int64
}

func (s *lrScheduler) Step(increment int64) { s.stepped += increment }

func (s *lrScheduler) LearningRate() float64 { return 1e-4 }

type iterator struct{}

func (iterator) Next() (any, error) { return struct{}{}, nil }

type store struct {
	mu    sync.Mutex
	saves []int64
}

func (s *store) Save(_ context.Context, iteration int64, _ []step.ModelPartition, _ step.Optimizer, _ step.LRScheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, iteration)
	return nil
}

func (s *store) Load(context.Context, []step.ModelPartition, step.Optimizer, step.LRScheduler, bool, bool) (int64, error) {
	return 0, nil
}

// rank holds everything one data-parallel rank owns.
type rank struct {
	clock *testingclock.FakeClock
	state *train.State
	lr    *lrScheduler
	opt   *optimizer
	opts  train.Options
}

type runResult struct {
	iteration int64
	reason    train.StopReason
	err       error
}

// buildRanks wires dataParallel ranks over one in-process fabric. Tensor and
// pipeline groups are trivial; the data group spans the world.
func buildRanks(cfg *config.Config, dataParallel int) []*rank {
	fabric, err := comm.NewFabric(dataParallel)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())

	now := time.Now()
	ranks := make([]*rank, dataParallel)
	for i := range ranks {
		topo := comm.Topology{TensorSize: 1, PipelineSize: 1, DataSize: dataParallel, DataRank: i}
		world, err := fabric.Rank(i)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		self, err := comm.NewFabric(1)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		selfGroup, err := self.Rank(0)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		groups := comm.Groups{World: world, Data: world, Tensor: selfGroup, Pipeline: selfGroup, Embedding: selfGroup}

		gomega.Expect(config.Validate(cfg, topo)).To(gomega.BeEmpty())

		r := &rank{
			clock: testingclock.NewFakeClock(now),
			state: &train.State{},
			lr:    &lrScheduler{},
			opt:   &optimizer{},
		}
		forward := func(_ context.Context, it schedule.DataIterator, _ schedule.ModelPartition, _ bool) (float64, schedule.LossDict, error) {
			if _, err := it.Next(); err != nil {
				return 0, nil, err
			}
			return 2.0, schedule.LossDict{"lm loss": 2.0}, nil
		}
		ctrl, err := step.New(cfg, topo, groups, []step.ModelPartition{model{}}, r.opt, r.lr, nil,
			schedule.RunnerSet{NoPipeline: &schedule.NoPipelineRunner{Forward: forward}}, logr.Discard())
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		calc, err := train.NewBatchCalculator(cfg, topo)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		r.opts = train.Options{
			Config:        cfg,
			Topology:      topo,
			Groups:        groups,
			State:         r.state,
			Controller:    ctrl,
			Aggregator:    metrics.NewAggregator(r.clock, nil),
			Batch:         calc,
			TrainIterator: iterator{},
			Clock:         r.clock,
			Logger:        logr.Discard(),
		}
		ranks[i] = r
	}
	return ranks
}

// runAll runs every rank's loop concurrently, as the collectives require.
func runAll(ctx context.Context, ranks []*rank) []runResult {
	results := make([]runResult, len(ranks))
	var wg sync.WaitGroup
	for i, r := range ranks {
		loop, err := train.NewLoop(r.opts)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		wg.Add(1)
		go func(i int, l *train.Loop) {
			defer ginkgo.GinkgoRecover()
			defer wg.Done()
			iteration, reason, err := l.Run(ctx)
			results[i] = runResult{iteration: iteration, reason: reason, err: err}
		}(i, loop)
	}
	wg.Wait()
	return results
}

var _ = ginkgo.Describe("Training loop across data-parallel ranks", func() {
	var ctx context.Context

	ginkgo.BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		ginkgo.DeferCleanup(cancel)
	})

	ginkgo.It("should run every rank to completion with identical bookkeeping", func() {
		cfg := &config.Config{
			MicroBatchSize:  4,
			GlobalBatchSize: 16,
			SeqLength:       1024,
			TrainIters:      4,
			DDPImpl:         config.DDPLocal,
		}
		ranks := buildRanks(cfg, 2)

		results := runAll(ctx, ranks)

		for i, res := range results {
			gomega.Expect(res.err).NotTo(gomega.HaveOccurred(), "rank %d", i)
			gomega.Expect(res.iteration).To(gomega.Equal(int64(4)), "rank %d", i)
			gomega.Expect(res.reason).To(gomega.Equal(train.StopCompleted), "rank %d", i)
		}
		for i, r := range ranks {
			// Consumption counters are cluster-wide values and must agree
			// on every rank.
			gomega.Expect(r.state.ConsumedTrainSamples).To(gomega.Equal(int64(64)), "rank %d", i)
			gomega.Expect(r.state.ConsumedTrainTokens).To(gomega.Equal(int64(64*1024)), "rank %d", i)
			gomega.Expect(r.lr.stepped).To(gomega.Equal(int64(64)), "rank %d", i)
		}
	})

	ginkgo.It("should stop every rank when a single rank exceeds the duration limit", func() {
		cfg := &config.Config{
			MicroBatchSize:  4,
			GlobalBatchSize: 16,
			SeqLength:       1024,
			TrainIters:      100,
			ExitDuration:    30 * time.Second,
			DDPImpl:         config.DDPLocal,
		}
		ranks := buildRanks(cfg, 2)
		stores := make([]*store, len(ranks))
		for i, r := range ranks {
			stores[i] = &store{}
			r.opts.Store = stores[i]
		}
		// Only rank 1 observes time passing; consensus must still stop both.
		ranks[1].opt.onStep = func() { ranks[1].clock.Step(time.Minute) }

		results := runAll(ctx, ranks)

		for i, res := range results {
			gomega.Expect(res.err).NotTo(gomega.HaveOccurred(), "rank %d", i)
			gomega.Expect(res.iteration).To(gomega.Equal(int64(1)), "rank %d", i)
			gomega.Expect(res.reason).To(gomega.Equal(train.StopDuration), "rank %d", i)
		}
		for i, s := range stores {
			gomega.Expect(s.saves).To(gomega.Equal([]int64{1}), "rank %d", i)
		}
	})

	ginkgo.It("should ramp the batch size while reporting progression and metrics", func() {
		cfg := &config.Config{
			MicroBatchSize:  2,
			GlobalBatchSize: 16,
			RampUp:          &config.BatchRampUp{StartSize: 8, Increment: 4, Samples: 40},
			SeqLength:       512,
			TrainIters:      8,
			LogInterval:     4,
			EvalInterval:    4,
			EvalIters:       1,
			DDPImpl:         config.DDPLocal,
		}
		ranks := buildRanks(cfg, 2)
		for _, r := range ranks {
			r.opts.ValidIterator = iterator{}
		}

		// Rank 0 owns the external reporting surfaces.
		registry := prometheus.NewRegistry()
		collectors := metrics.NewCollectors(registry)
		progressPath := filepath.Join(ginkgo.GinkgoT().TempDir(), progress.StatusFileName)
		ranks[0].opts.Collectors = collectors
		ranks[0].opts.Aggregator = metrics.NewAggregator(ranks[0].clock, collectors)
		ranks[0].opts.Progress = progress.NewWriter(progressPath, ranks[0].clock)

		results := runAll(ctx, ranks)

		// Ramp walk: 8, 8, 8, 12, 12, 16, 16, 16 consumed per iteration.
		wantSamples := int64(8 + 8 + 8 + 12 + 12 + 16 + 16 + 16)
		for i, res := range results {
			gomega.Expect(res.err).NotTo(gomega.HaveOccurred(), "rank %d", i)
			gomega.Expect(res.iteration).To(gomega.Equal(int64(8)), "rank %d", i)
			gomega.Expect(res.reason).To(gomega.Equal(train.StopCompleted), "rank %d", i)
			gomega.Expect(ranks[i].state.ConsumedTrainSamples).To(gomega.Equal(wantSamples), "rank %d", i)
		}

		families, err := registry.Gather()
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		consumedSamples := -1.0
		for _, mf := range families {
			if mf.GetName() == "training_consumed_samples_total" {
				consumedSamples = mf.GetMetric()[0].GetCounter().GetValue()
			}
		}
		gomega.Expect(consumedSamples).To(gomega.Equal(float64(wantSamples)))

		content, err := os.ReadFile(progressPath)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		var status progress.FileFormat
		gomega.Expect(json.Unmarshal(content, &status)).To(gomega.Succeed())
		gomega.Expect(status.CurrentStep).To(gomega.HaveValue(gomega.Equal(int64(8))))
		gomega.Expect(status.TotalSteps).To(gomega.HaveValue(gomega.Equal(int64(8))))
		gomega.Expect(status.Metrics).To(gomega.HaveKey("lm loss"))
	})
})
