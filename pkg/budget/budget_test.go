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

package budget_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedkv/cache-manager/pkg/budget"
)

func TestBytesPerBlock(t *testing.T) {
	got, err := budget.BytesPerBlock(2, 16, 4, 32, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(16384), got)
}

func TestBytesPerBlockRejectsNonPositiveBlockSize(t *testing.T) {
	_, err := budget.BytesPerBlock(2, 0, 4, 32, 2)
	require.Error(t, err)
}

func TestDeriveBlockCountFloorsToInteger(t *testing.T) {
	got, err := budget.DeriveBlockCount(1000, 0.3, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, got) // floor(1000*0.3/100) = floor(3.0) = 3
}

func TestDeriveBlockCountErrorsWhenBelowOneBlock(t *testing.T) {
	_, err := budget.DeriveBlockCount(10, 0.3, 100)
	require.ErrorIs(t, err, budget.ErrZeroBlocks)
}

func TestParseBytesAcceptsHumanReadableSizes(t *testing.T) {
	got, err := budget.ParseBytes("1MiB")
	require.NoError(t, err)
	assert.Equal(t, uint64(1048576), got)
}

func TestLedgerRecordsAndReturnsCommittedBytes(t *testing.T) {
	ledger, err := budget.NewLedger(1 << 20)
	require.NoError(t, err)

	ledger.RecordLayer(0, 4096)
	got, ok := ledger.CommittedBytes(0)
	require.True(t, ok)
	assert.Equal(t, int64(4096), got)
	assert.Equal(t, int64(1<<20), ledger.Limit())
}

func TestLedgerMissingLayerReturnsFalse(t *testing.T) {
	ledger, err := budget.NewLedger(1 << 20)
	require.NoError(t, err)

	_, ok := ledger.CommittedBytes(99)
	assert.False(t, ok)
}
