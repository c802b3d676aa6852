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

// Axes carries the three consumption measures every scalar is plotted
// against. Emitting all three lets downstream analysis plot any metric
// against steps, samples or tokens without re-deriving the mapping.
type Axes struct {
	Iteration       int64
	ConsumedSamples int64
	ConsumedTokens  int64
}

// Sink receives time-series scalars. Implementations (tensorboard bridges,
// CSV writers) own transport and layout; only the terminal pipeline stage of
// the last rank should be given a non-nil sink.
type Sink interface {
	WriteScalar(name string, value float64, axes Axes)
}

// WriteScalars emits a batch of named scalars against the same axes. A nil
// sink is a no-op.
func WriteScalars(sink Sink, values map[string]float64, axes Axes) {
	if sink == nil {
		return
	}
	for name, v := range values {
		sink.WriteScalar(name, v, axes)
	}
}
