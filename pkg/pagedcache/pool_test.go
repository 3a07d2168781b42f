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

package pagedcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedkv/cache-manager/pkg/pagedcache/device"
	. "github.com/pagedkv/cache-manager/pkg/pagedcache" //nolint:revive // tests use the package's exported surface directly
)

func newTestManager(t *testing.T, numBlocks int) *PagedCacheManager {
	t.Helper()

	opts := &CacheOptions{
		NumLayers:  2,
		BlockSize:  4,
		NumKVHeads: 2,
		HeadSize:   8,
		DType:      device.Float16,
		NumBlocks:  numBlocks,
	}

	alloc := device.NewCPUAllocator(1 << 30)
	m, err := NewPagedCacheManager(t.Context(), opts, alloc, alloc, Hooks{})
	require.NoError(t, err)
	return m
}

func TestAddReservesLowestFreeBlocksFirst(t *testing.T) {
	m := newTestManager(t, 8)

	require.NoError(t, m.Add(t.Context(), 1, 9)) // ceil(9/4) = 3 blocks
	assert.Equal(t, 5, m.FreeBlocks())

	tables, err := m.BlockTables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2}, tables.Data())
}

func TestAddFailsOnDuplicateSequence(t *testing.T) {
	m := newTestManager(t, 8)

	require.NoError(t, m.Add(t.Context(), 1, 4))
	err := m.Add(t.Context(), 1, 4)
	require.Error(t, err)
	assert.IsType(t, &DuplicateSequenceError{}, err)
}

func TestAddFailsClosedOnCacheFull(t *testing.T) {
	m := newTestManager(t, 2)

	err := m.Add(t.Context(), 1, 9) // needs 3 blocks, only 2 exist
	require.Error(t, err)
	assert.IsType(t, &CacheFullError{}, err)
	assert.Equal(t, 2, m.FreeBlocks())
	require.NoError(t, m.CheckInvariants())
}

func TestRemoveReturnsBlocksToFreeList(t *testing.T) {
	m := newTestManager(t, 8)

	require.NoError(t, m.Add(t.Context(), 1, 9))
	require.NoError(t, m.Remove(t.Context(), 1))
	assert.Equal(t, 8, m.FreeBlocks())
	require.NoError(t, m.CheckInvariants())
}

func TestRemoveUnknownSequenceFails(t *testing.T) {
	m := newTestManager(t, 8)

	err := m.Remove(t.Context(), 42)
	require.Error(t, err)
	assert.IsType(t, &UnknownSequenceError{}, err)
}

func TestCacheOutOfRangeLayer(t *testing.T) {
	m := newTestManager(t, 8)

	_, _, err := m.Cache(5)
	require.Error(t, err)
	assert.IsType(t, &IndexOutOfRangeError{}, err)
}
