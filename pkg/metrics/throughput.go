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
	"time"

	"github.com/distml/traincore/pkg/config"
)

// checkpointActivationsFactor accounts for the activation-recompute forward
// pass in the model flops estimate.
const checkpointActivationsFactor = 4.0

// Throughput converts one interval's elapsed wall time into rates.
type Throughput struct {
	SamplesPerSec           float64
	SamplesPerSecPerReplica float64
	TokensPerSec            float64
	TokensPerSecPerReplica  float64
	TFLOPs                  float64
	ApproxParamsBillions    float64
}

// ComputeThroughput derives rates for a window of steps iterations at the
// given global batch size and effective sequence length. worldSize is the
// total rank count, dataParallelSize the data-parallel degree.
func ComputeThroughput(cfg *config.Config, batchSize, seqLen, steps int64, elapsed time.Duration, worldSize, dataParallelSize int) Throughput {
	var tp Throughput
	secs := elapsed.Seconds()
	if secs <= 0 || steps <= 0 {
		return tp
	}

	b := float64(batchSize)
	s := float64(seqLen)
	l := float64(cfg.NumLayers)
	h := float64(cfg.HiddenSize)
	v := float64(cfg.PaddedVocabSize)

	tp.SamplesPerSec = b * float64(steps) / secs
	tp.SamplesPerSecPerReplica = tp.SamplesPerSec / float64(dataParallelSize)
	tp.TokensPerSec = tp.SamplesPerSec * s
	tp.TokensPerSecPerReplica = tp.TokensPerSec / float64(dataParallelSize)

	if l > 0 && h > 0 {
		flopsPerIteration := 24 * checkpointActivationsFactor * b * s * l * h * h *
			(1 + s/(6*h) + v/(16*l*h))
		tp.TFLOPs = flopsPerIteration / (secs / float64(steps)) / float64(worldSize) / 1e12
		tp.ApproxParamsBillions = 12 * l * h * h * (1 + 13/(12*h) + (v+s)/(12*l*h)) / 1e9
	}
	return tp
}
