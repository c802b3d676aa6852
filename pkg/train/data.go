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
	"errors"
	"io"

	"github.com/distml/traincore/pkg/schedule"
)

// CyclicIterator restarts an exhausted data iterator from a fresh instance,
// for dataloaders that should wrap around instead of ending an epoch.
type CyclicIterator struct {
	next func() schedule.DataIterator
	cur  schedule.DataIterator
}

var _ schedule.DataIterator = (*CyclicIterator)(nil)

// NewCyclicIterator wraps an iterator factory. The factory must return an
// iterator positioned at the start of the data.
func NewCyclicIterator(next func() schedule.DataIterator) *CyclicIterator {
	return &CyclicIterator{next: next, cur: next()}
}

func (c *CyclicIterator) Next() (any, error) {
	batch, err := c.cur.Next()
	if errors.Is(err, io.EOF) {
		c.cur = c.next()
		return c.cur.Next()
	}
	return batch, err
}
