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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/distml/traincore/pkg/step"
)

// Collectors exposes training counters to a prometheus registry. The
// registry is injected so tests and multi-tenant processes can isolate
// registration.
type Collectors struct {
	stepsTotal      *prometheus.CounterVec
	lossValue       *prometheus.GaugeVec
	consumedSamples prometheus.Counter
	consumedTokens  prometheus.Counter
	samplesPerSec   prometheus.Gauge
	tflops          prometheus.Gauge
	learningRate    prometheus.Gauge
	lossScale       prometheus.Gauge
}

// NewCollectors builds and registers the training collectors.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "training_steps_total",
				Help: "Total number of optimizer steps by outcome",
			},
			[]string{"outcome"},
		),
		lossValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "training_loss",
				Help: "Most recent per-key training loss",
			},
			[]string{"key"},
		),
		consumedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "training_consumed_samples_total",
			Help: "Total number of training samples consumed",
		}),
		consumedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "training_consumed_tokens_total",
			Help: "Total number of training tokens consumed",
		}),
		samplesPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "training_samples_per_second",
			Help: "Throughput over the last logging interval",
		}),
		tflops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "training_tflops",
			Help: "Model TFLOPs per rank over the last logging interval",
		}),
		learningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "training_learning_rate",
			Help: "Current learning rate",
		}),
		lossScale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "training_loss_scale",
			Help: "Current loss scale",
		}),
	}
	reg.MustRegister(c.stepsTotal, c.lossValue, c.consumedSamples, c.consumedTokens,
		c.samplesPerSec, c.tflops, c.learningRate, c.lossScale)
	return c
}

func (c *Collectors) observeStep(res step.Result, gotNan bool) {
	if res.Skipped {
		c.stepsTotal.WithLabelValues("skipped").Inc()
	} else {
		c.stepsTotal.WithLabelValues("advanced").Inc()
		for key, v := range res.Losses {
			c.lossValue.WithLabelValues(key).Set(v)
		}
	}
	if gotNan {
		c.stepsTotal.WithLabelValues("nan").Inc()
	}
}

// AddConsumed accounts one step's sample and token deltas.
func (c *Collectors) AddConsumed(samples, tokens int64) {
	if c == nil {
		return
	}
	c.consumedSamples.Add(float64(samples))
	c.consumedTokens.Add(float64(tokens))
}

// ObserveInterval records interval-level gauges.
func (c *Collectors) ObserveInterval(tp Throughput, learningRate, lossScale float64) {
	if c == nil {
		return
	}
	c.samplesPerSec.Set(tp.SamplesPerSec)
	c.tflops.Set(tp.TFLOPs)
	c.learningRate.Set(learningRate)
	c.lossScale.Set(lossScale)
}
