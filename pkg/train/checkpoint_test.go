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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/distml/traincore/pkg/config"
)

func TestReconcileLegacyResume(t *testing.T) {
	testCases := []struct {
		name      string
		cfg       *config.Config
		state     State
		wantState State
		wantErr   bool
	}{
		{
			name:      "fresh start is untouched",
			cfg:       &config.Config{GlobalBatchSize: 32, TrainIters: 1000},
			state:     State{},
			wantState: State{},
		},
		{
			name: "train samples reconstructed from iteration",
			cfg:  &config.Config{GlobalBatchSize: 32, TrainIters: 1000},
			state: State{
				Iteration: 100,
			},
			wantState: State{
				Iteration:            100,
				ConsumedTrainSamples: 3200,
			},
		},
		{
			name: "valid samples reconstructed from the eval cadence",
			cfg:  &config.Config{GlobalBatchSize: 32, TrainIters: 1000, EvalInterval: 10, EvalIters: 5},
			state: State{
				Iteration: 100,
			},
			wantState: State{
				Iteration:            100,
				ConsumedTrainSamples: 3200,
				ConsumedValidSamples: 1600,
			},
		},
		{
			name: "recorded counters are preserved",
			cfg:  &config.Config{GlobalBatchSize: 32, TrainIters: 1000, EvalInterval: 10, EvalIters: 5},
			state: State{
				Iteration:            100,
				ConsumedTrainSamples: 2720,
				ConsumedValidSamples: 960,
			},
			wantState: State{
				Iteration:            100,
				ConsumedTrainSamples: 2720,
				ConsumedValidSamples: 960,
			},
		},
		{
			name: "sample-based training refuses reconstruction",
			cfg:  &config.Config{GlobalBatchSize: 32, TrainSamples: 100_000},
			state: State{
				Iteration: 100,
			},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ReconcileLegacyResume(tc.cfg, &tc.state)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ReconcileLegacyResume: %v", err)
			}
			if diff := cmp.Diff(tc.wantState, tc.state); len(diff) != 0 {
				t.Errorf("unexpected state (-want +got):\n%s", diff)
			}
		})
	}
}
