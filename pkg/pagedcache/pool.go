/*
Copyright 2025 The PagedKV Authors.

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

package pagedcache

import (
	"context"
	"fmt"
	"sort"

	"github.com/pagedkv/cache-manager/pkg/pagedcache/device"
)

// blockPool owns the per-layer K/V tensor storage and the free list of
// block ids. It implements §4.1 (allocation) and §4.6 (free-list
// management) of the cache manager spec. The free-list policy is
// lowest-id-first: free always stays sorted ascending, so
// findAvailable is deterministic and cheap to test against.
type blockPool struct {
	numBlocks int
	blockSize int
	free      []int

	keys   []device.Tensor
	values []device.Tensor
}

func newBlockPool(ctx context.Context, numLayers, numBlocks, blockSize, numKVHeads, headSize int,
	dtype device.DType, alloc device.Allocator,
) (*blockPool, error) {
	free := make([]int, numBlocks)
	for i := range free {
		free[i] = i
	}

	shape := []int{numBlocks, blockSize * numKVHeads * headSize}
	keys := make([]device.Tensor, numLayers)
	values := make([]device.Tensor, numLayers)

	for l := 0; l < numLayers; l++ {
		k, err := alloc.NewTensor(ctx, shape, dtype)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate key cache for layer %d: %w", l, err)
		}

		v, err := alloc.NewTensor(ctx, shape, dtype)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate value cache for layer %d: %w", l, err)
		}

		keys[l] = k
		values[l] = v
	}

	return &blockPool{
		numBlocks: numBlocks,
		blockSize: blockSize,
		free:      free,
		keys:      keys,
		values:    values,
	}, nil
}

// freeCount returns the number of blocks currently unowned.
func (p *blockPool) freeCount() int {
	return len(p.free)
}

// findAvailable returns the lowest n free block ids without mutating
// the free list. It fails without side effects if fewer than n are
// free.
func (p *blockPool) findAvailable(n int) ([]int, error) {
	if len(p.free) < n {
		return nil, &CacheFullError{Requested: n, Available: len(p.free)}
	}

	ids := make([]int, n)
	copy(ids, p.free[:n])
	return ids, nil
}

// reserve removes ids from the free list. It returns an
// InvariantViolationError if any id was not actually free — that would
// mean a block is about to be double-owned.
func (p *blockPool) reserve(ids []int) error {
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	kept := p.free[:0:0]
	removed := 0
	for _, id := range p.free {
		if want[id] {
			removed++
			continue
		}
		kept = append(kept, id)
	}

	if removed != len(ids) {
		return &InvariantViolationError{Reason: fmt.Sprintf(
			"reserve: %d of %d requested block ids were not free", len(ids)-removed, len(ids))}
	}

	p.free = kept
	return nil
}

// release returns ids to the free list, keeping it sorted ascending.
// It fails with InvariantViolationError if any id is already free —
// that is a double-free and indicates a bug in the manager.
func (p *blockPool) release(ids []int) error {
	present := make(map[int]bool, len(p.free))
	for _, id := range p.free {
		present[id] = true
	}

	for _, id := range ids {
		if present[id] {
			return &InvariantViolationError{Reason: fmt.Sprintf("release: block %d already free (double free)", id)}
		}
		present[id] = true
	}

	p.free = append(p.free, ids...)
	sort.Ints(p.free)
	return nil
}

// cache returns the K, V tensors for layerID.
func (p *blockPool) cache(layerID int) (device.Tensor, device.Tensor, error) {
	if layerID < 0 || layerID >= len(p.keys) {
		return nil, nil, &IndexOutOfRangeError{Index: layerID, Bound: len(p.keys)}
	}

	return p.keys[layerID], p.values[layerID], nil
}
