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
)

func TestBlockTablesPadsShorterRowsWithSentinel(t *testing.T) {
	m := newTestManager(t, 16)

	require.NoError(t, m.Add(t.Context(), 1, 9))  // 3 blocks: 0,1,2
	require.NoError(t, m.Add(t.Context(), 2, 4))  // 1 block: 3

	tables, err := m.BlockTables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, tables.Shape())
	assert.Equal(t, []int32{0, 1, 2, 3, -1, -1}, tables.Data())
}

func TestSlotMappingConcatenatesInTableOrder(t *testing.T) {
	m := newTestManager(t, 16)

	require.NoError(t, m.Add(t.Context(), 1, 5)) // blocks 0,1; slots 0..4
	require.NoError(t, m.Add(t.Context(), 2, 3)) // block 2; slots 8,9,10

	slots, err := m.SlotMapping(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 8, 9, 10}, slots.Data())
}

func TestBlockTablesReflectsReorder(t *testing.T) {
	m := newTestManager(t, 16)

	require.NoError(t, m.Add(t.Context(), 1, 4))
	require.NoError(t, m.Add(t.Context(), 2, 4))
	require.NoError(t, m.ReorderCache(t.Context(), []int{1, 0}))

	tables, err := m.BlockTables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 0}, tables.Data())
}
