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

package blockhash_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedkv/cache-manager/pkg/pagedcache/blockhash"
)

func TestChainHashesIsDeterministic(t *testing.T) {
	hasher := blockhash.NewChunkHasher("seed")
	root, err := hasher.RootHash()
	require.NoError(t, err)

	blocks := [][]int{{1, 2, 3}, {4, 5, 6}}

	first, err := hasher.ChainHashes(root, blocks)
	require.NoError(t, err)

	second, err := hasher.ChainHashes(root, blocks)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first[0], first[1])
}

func TestDifferentSeedsProduceDifferentRoots(t *testing.T) {
	a, err := blockhash.NewChunkHasher("seed-a").RootHash()
	require.NoError(t, err)
	b, err := blockhash.NewChunkHasher("seed-b").RootHash()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestSharedPrefixProducesSharedChainPrefix(t *testing.T) {
	hasher := blockhash.NewChunkHasher("seed")
	root, err := hasher.RootHash()
	require.NoError(t, err)

	a, err := hasher.ChainHashes(root, [][]int{{1, 2}, {3, 4}})
	require.NoError(t, err)
	b, err := hasher.ChainHashes(root, [][]int{{1, 2}, {9, 9}})
	require.NoError(t, err)

	assert.Equal(t, a[0], b[0])
	assert.NotEqual(t, a[1], b[1])
}
