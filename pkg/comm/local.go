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
	"fmt"
	"math"
	"slices"
	"sync"
)

// Fabric is an in-process collective fabric: every rank of a group lives in
// the same process, one goroutine per rank. It exists for tests and
// single-process smoke runs; production ranks are expected to plug in a real
// transport behind the Group interface.
type Fabric struct {
	size int

	mu     sync.Mutex
	round  *round
	rounds int
}

type round struct {
	acc     []float64
	arrived int
	done    chan struct{}
}

// NewFabric returns a fabric for a group of size ranks.
func NewFabric(size int) (*Fabric, error) {
	if size < 1 {
		return nil, fmt.Errorf("fabric size must be positive, got %d", size)
	}
	return &Fabric{size: size}, nil
}

// Rank returns the Group handle for one rank of the fabric. The caller owns
// assigning distinct ranks to distinct goroutines.
func (f *Fabric) Rank(rank int) (Group, error) {
	if rank < 0 || rank >= f.size {
		return nil, fmt.Errorf("rank %d out of range [0,%d)", rank, f.size)
	}
	return &localGroup{fabric: f, rank: rank}, nil
}

// rendezvous runs one collective round. Each rank contributes via combine
// (nil for pure barriers); the round completes when all ranks have arrived,
// after which the accumulated vector is immutable and readable by all.
func (f *Fabric) rendezvous(ctx context.Context, combine func(acc []float64) []float64) ([]float64, error) {
	f.mu.Lock()
	r := f.round
	if r == nil {
		r = &round{done: make(chan struct{})}
		f.round = r
	}
	if combine != nil {
		r.acc = combine(r.acc)
	}
	r.arrived++
	if r.arrived == f.size {
		f.round = nil
		f.rounds++
		close(r.done)
	}
	f.mu.Unlock()

	select {
	case <-r.done:
		return r.acc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type localGroup struct {
	fabric *Fabric
	rank   int
}

func (g *localGroup) AllReduce(ctx context.Context, vals []float64, op Op) error {
	contribution := slices.Clone(vals)
	res, err := g.fabric.rendezvous(ctx, func(acc []float64) []float64 {
		if acc == nil {
			return contribution
		}
		if len(acc) != len(contribution) {
			// Divergent vector lengths mean ranks reached different
			// collectives; the real fabric would deadlock here.
			panic(fmt.Sprintf("allreduce length mismatch: %d vs %d", len(acc), len(contribution)))
		}
		for i, v := range contribution {
			switch op {
			case OpSum:
				acc[i] += v
			case OpMax:
				acc[i] = math.Max(acc[i], v)
			case OpMin:
				acc[i] = math.Min(acc[i], v)
			}
		}
		return acc
	})
	if err != nil {
		return err
	}
	copy(vals, res)
	return nil
}

func (g *localGroup) Broadcast(ctx context.Context, vals []float64, root int) error {
	var contribution []float64
	if g.rank == root {
		contribution = slices.Clone(vals)
	}
	res, err := g.fabric.rendezvous(ctx, func(acc []float64) []float64 {
		if contribution != nil {
			return contribution
		}
		return acc
	})
	if err != nil {
		return err
	}
	copy(vals, res)
	return nil
}

func (g *localGroup) Barrier(ctx context.Context) error {
	_, err := g.fabric.rendezvous(ctx, nil)
	return err
}

func (g *localGroup) Rank() int { return g.rank }

func (g *localGroup) Size() int { return g.fabric.size }
