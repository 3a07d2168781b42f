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

	"github.com/pagedkv/cache-manager/pkg/pagedcache/device"
)

// blockTablesPadID is the sentinel spec.md §3 invariant 5 reserves for
// BlockTables padding; it never appears as a legitimate block id.
const blockTablesPadID = -1

// BlockTables materializes the 2-D block-id tensor described in
// spec.md §4.7: one row per live sequence, in SequenceTable order,
// right-padded with -1 to the widest row. The returned tensor is
// rebuilt on every call and owned by the manager — callers must not
// retain it across steps.
func (m *PagedCacheManager) BlockTables(ctx context.Context) (device.Int32Tensor, error) {
	states := m.sequences.StatesInOrder()

	maxBlocks := 0
	for _, s := range states {
		if len(s.BlockIDs) > maxBlocks {
			maxBlocks = len(s.BlockIDs)
		}
	}

	shape := []int{len(states), maxBlocks}
	tensor, err := m.allocator.NewInt32Tensor(ctx, shape)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate block table tensor: %w", err)
	}

	data := tensor.Data()
	for i := range data {
		data[i] = blockTablesPadID
	}

	for row, s := range states {
		for col, blockID := range s.BlockIDs {
			data[row*maxBlocks+col] = int32(blockID) //nolint:gosec // block ids are bounded by num_blocks
		}
	}

	m.blockTables = tensor
	return tensor, nil
}

// SlotMapping materializes the 1-D slot-id tensor described in
// spec.md §4.8: the concatenation of every live sequence's SlotIDs, in
// SequenceTable order. Length equals the sum of prompt lengths during
// the prompt step, or the live sequence count during decode steps.
func (m *PagedCacheManager) SlotMapping(ctx context.Context) (device.Int32Tensor, error) {
	states := m.sequences.StatesInOrder()

	total := 0
	for _, s := range states {
		total += len(s.SlotIDs)
	}

	tensor, err := m.allocator.NewInt32Tensor(ctx, []int{total})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate slot mapping tensor: %w", err)
	}

	data := tensor.Data()
	offset := 0
	for _, s := range states {
		for _, slotID := range s.SlotIDs {
			data[offset] = int32(slotID) //nolint:gosec // slot ids are bounded by num_blocks*block_size
			offset++
		}
	}

	m.slotMapping = tensor
	return tensor, nil
}
