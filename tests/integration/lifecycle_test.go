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

// Package integration exercises PagedCacheManager end to end across
// multiple lifecycle calls, the way a host inference loop would.
package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedkv/cache-manager/pkg/pagedcache"
	"github.com/pagedkv/cache-manager/pkg/pagedcache/device"
)

func newManager(t *testing.T, numBlocks int) *pagedcache.PagedCacheManager {
	t.Helper()

	opts := &pagedcache.CacheOptions{
		NumLayers:  1,
		BlockSize:  16,
		NumKVHeads: 1,
		HeadSize:   1,
		DType:      device.Int32,
		NumBlocks:  numBlocks,
	}
	alloc := device.NewCPUAllocator(1 << 30)
	m, err := pagedcache.NewPagedCacheManager(t.Context(), opts, alloc, alloc, pagedcache.Hooks{})
	require.NoError(t, err)
	return m
}

func TestPromptBatchAssignsLowestFreeBlocksAndSlots(t *testing.T) {
	m := newManager(t, 16)

	require.NoError(t, m.Add(t.Context(), 2, 4))
	require.NoError(t, m.Add(t.Context(), 5, 5))
	require.NoError(t, m.Add(t.Context(), 7, 3))

	tables, err := m.BlockTables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2}, tables.Data())

	slots, err := m.SlotMapping(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 16, 17, 18, 19, 20, 32, 33, 34}, slots.Data())
}

func TestDecodeStepAdvancesEachSequenceBySlot(t *testing.T) {
	m := newManager(t, 16)

	require.NoError(t, m.Add(t.Context(), 2, 4))
	require.NoError(t, m.Add(t.Context(), 5, 5))
	require.NoError(t, m.Add(t.Context(), 7, 3))

	require.NoError(t, m.AddToken(t.Context(), 2))
	require.NoError(t, m.AddToken(t.Context(), 5))
	require.NoError(t, m.AddToken(t.Context(), 7))

	slots, err := m.SlotMapping(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 21, 35}, slots.Data())
}

func TestBlockBoundaryTriggersNewBlockAcquisition(t *testing.T) {
	m := newManager(t, 16)

	require.NoError(t, m.Add(t.Context(), 1, 16)) // exactly one block
	require.NoError(t, m.AddToken(t.Context(), 1))

	tables, err := m.BlockTables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, tables.Shape())
}

func TestPaddedBlockTableUsesSentinelForShorterRows(t *testing.T) {
	m := newManager(t, 16)

	require.NoError(t, m.Add(t.Context(), 1, 16*3))   // 3 blocks: 0,1,2
	require.NoError(t, m.Add(t.Context(), 2, 16*2+1)) // 3 blocks: 3,4,5
	require.NoError(t, m.Add(t.Context(), 3, 16*4))   // 4 blocks: 6,7,8,9

	tables, err := m.BlockTables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, tables.Shape())

	data := tables.Data()
	// row 1 (sequence 2) occupies 3 blocks, so its 4th column is padding.
	assert.Equal(t, int32(-1), data[1*4+3])
}

func TestRemoveThenAddReusesLowestFreedIDs(t *testing.T) {
	m := newManager(t, 4)

	require.NoError(t, m.Add(t.Context(), 1, 64)) // takes blocks 0,1,2,3
	require.NoError(t, m.Remove(t.Context(), 1))
	require.NoError(t, m.Add(t.Context(), 2, 16)) // must take block 0

	tables, err := m.BlockTables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, tables.Data())
}

func TestReorderCacheFollowsPermutationOrder(t *testing.T) {
	m := newManager(t, 16)

	require.NoError(t, m.Add(t.Context(), 2, 4))
	require.NoError(t, m.Add(t.Context(), 5, 5))
	require.NoError(t, m.Add(t.Context(), 7, 3))

	require.NoError(t, m.ReorderCache(t.Context(), []int{2, 0, 1}))
	assert.Equal(t, []int{7, 2, 5}, m.SequenceOrder())

	tables, err := m.BlockTables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 0, 1}, tables.Data())
}

func TestCacheFullLeavesFreeListIntact(t *testing.T) {
	m := newManager(t, 2)

	err := m.Add(t.Context(), 1, 33) // needs 3 blocks (ceil(33/16)), only 2 exist
	require.Error(t, err)
	assert.IsType(t, &pagedcache.CacheFullError{}, err)
	assert.Equal(t, 2, m.FreeBlocks())
	require.NoError(t, m.CheckInvariants())
}
