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

package comm

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFabricAllReduce(t *testing.T) {
	testCases := []struct {
		name   string
		op     Op
		inputs [][]float64
		want   []float64
	}{
		{
			name:   "sum across three ranks",
			op:     OpSum,
			inputs: [][]float64{{1, 2}, {3, 4}, {5, 6}},
			want:   []float64{9, 12},
		},
		{
			name:   "max across three ranks",
			op:     OpMax,
			inputs: [][]float64{{0, 7}, {5, 1}, {2, 2}},
			want:   []float64{5, 7},
		},
		{
			name:   "min across two ranks",
			op:     OpMin,
			inputs: [][]float64{{3, -1}, {-2, 4}},
			want:   []float64{-2, -1},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fabric, err := NewFabric(len(tc.inputs))
			if err != nil {
				t.Fatalf("NewFabric: %v", err)
			}
			results := make([][]float64, len(tc.inputs))
			var wg sync.WaitGroup
			for rank, input := range tc.inputs {
				rank, input := rank, input
				wg.Add(1)
				go func() {
					defer wg.Done()
					g, err := fabric.Rank(rank)
					if err != nil {
						t.Errorf("rank %d: %v", rank, err)
						return
					}
					vals := append([]float64(nil), input...)
					if err := g.AllReduce(context.Background(), vals, tc.op); err != nil {
						t.Errorf("rank %d AllReduce: %v", rank, err)
						return
					}
					results[rank] = vals
				}()
			}
			wg.Wait()
			for rank, got := range results {
				if diff := cmp.Diff(tc.want, got); len(diff) != 0 {
					t.Errorf("rank %d unexpected result (-want +got):\n%s", rank, diff)
				}
			}
		})
	}
}

// One rank voting true must make the MAX-reduced decision true on every
// rank; this is the consensus primitive termination relies on.
func TestFabricMaxConsensus(t *testing.T) {
	const size = 4
	fabric, err := NewFabric(size)
	if err != nil {
		t.Fatalf("NewFabric: %v", err)
	}
	decisions := make([]float64, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, _ := fabric.Rank(rank)
			vals := []float64{0}
			if rank == 2 {
				vals[0] = 1
			}
			if err := g.AllReduce(context.Background(), vals, OpMax); err != nil {
				t.Errorf("rank %d: %v", rank, err)
				return
			}
			decisions[rank] = vals[0]
		}()
	}
	wg.Wait()
	for rank, d := range decisions {
		if d != 1 {
			t.Errorf("rank %d saw decision %v, want 1", rank, d)
		}
	}
}

func TestFabricBroadcast(t *testing.T) {
	const size, root = 3, 1
	fabric, err := NewFabric(size)
	if err != nil {
		t.Fatalf("NewFabric: %v", err)
	}
	results := make([][]float64, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, _ := fabric.Rank(rank)
			vals := []float64{float64(rank), float64(rank)}
			if err := g.Broadcast(context.Background(), vals, root); err != nil {
				t.Errorf("rank %d: %v", rank, err)
				return
			}
			results[rank] = vals
		}()
	}
	wg.Wait()
	want := []float64{root, root}
	for rank, got := range results {
		if diff := cmp.Diff(want, got); len(diff) != 0 {
			t.Errorf("rank %d unexpected broadcast result (-want +got):\n%s", rank, diff)
		}
	}
}

func TestFabricBarrierCancellation(t *testing.T) {
	fabric, err := NewFabric(2)
	if err != nil {
		t.Fatalf("NewFabric: %v", err)
	}
	g, _ := fabric.Rank(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The peer never arrives; the barrier must unblock via the context.
	if err := g.Barrier(ctx); err == nil {
		t.Error("expected context error from abandoned barrier, got nil")
	}
}

func TestTopologyStages(t *testing.T) {
	testCases := []struct {
		name      string
		topo      Topology
		wantFirst bool
		wantLast  bool
	}{
		{
			name:      "single stage is both ends",
			topo:      Topology{PipelineRank: 0, PipelineSize: 1},
			wantFirst: true,
			wantLast:  true,
		},
		{
			name:      "middle stage is neither",
			topo:      Topology{PipelineRank: 1, PipelineSize: 4},
			wantFirst: false,
			wantLast:  false,
		},
		{
			name:      "terminal stage",
			topo:      Topology{PipelineRank: 3, PipelineSize: 4},
			wantFirst: false,
			wantLast:  true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.topo.IsPipelineFirstStage(); got != tc.wantFirst {
				t.Errorf("IsPipelineFirstStage() = %v, want %v", got, tc.wantFirst)
			}
			if got := tc.topo.IsPipelineLastStage(); got != tc.wantLast {
				t.Errorf("IsPipelineLastStage() = %v, want %v", got, tc.wantLast)
			}
		})
	}
}
