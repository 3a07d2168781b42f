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

package kvevents_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pagedkv/cache-manager/pkg/pagedcache/kvevents"
)

func TestBlockAdmittedTaggedUnionRoundTrips(t *testing.T) {
	e := kvevents.BlockAdmitted{BlockIDs: []int{0, 1, 2}, SlotIDs: []int{0, 1, 2, 3}}

	encoded, err := msgpack.Marshal(e.ToTaggedUnion())
	require.NoError(t, err)

	var decoded []msgpack.RawMessage
	require.NoError(t, msgpack.Unmarshal(encoded, &decoded))
	require.Len(t, decoded, 3)

	var tag string
	require.NoError(t, msgpack.Unmarshal(decoded[0], &tag))
	assert.Equal(t, kvevents.BlockAdmittedEventTag, tag)

	var blockIDs []int
	require.NoError(t, msgpack.Unmarshal(decoded[1], &blockIDs))
	assert.Equal(t, []int{0, 1, 2}, blockIDs)
}

func TestEventBatchRoundTrips(t *testing.T) {
	admitted, err := msgpack.Marshal(kvevents.BlockAdmitted{BlockIDs: []int{5}}.ToTaggedUnion())
	require.NoError(t, err)

	batch := kvevents.EventBatch{
		TS:         1700000000.5,
		SequenceID: 42,
		Events:     []msgpack.RawMessage{admitted},
	}

	encoded, err := msgpack.Marshal(batch)
	require.NoError(t, err)

	var decoded kvevents.EventBatch
	require.NoError(t, msgpack.Unmarshal(encoded, &decoded))

	assert.Equal(t, 42, decoded.SequenceID)
	assert.Len(t, decoded.Events, 1)
}

func TestCacheResetTaggedUnionHasOnlyTag(t *testing.T) {
	e := kvevents.CacheReset{}
	assert.Equal(t, []any{kvevents.CacheResetEventTag}, e.ToTaggedUnion())
}
