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

package device_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagedkv/cache-manager/pkg/budget"
	"github.com/pagedkv/cache-manager/pkg/pagedcache/device"
)

func TestCPUAllocatorReportsConfiguredBudget(t *testing.T) {
	alloc := device.NewCPUAllocator(4096)

	available, err := alloc.AvailableMemory(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), available)
}

func TestNewTensorSizesRawBufferByDType(t *testing.T) {
	alloc := device.NewCPUAllocator(0)

	tensor, err := alloc.NewTensor(t.Context(), []int{2, 3}, device.Float16)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, tensor.Shape())
	assert.Equal(t, device.Float16, tensor.DType())

	raw, ok := tensor.(interface{ Raw() []byte })
	require.True(t, ok)
	assert.Len(t, raw.Raw(), 12) // 6 float16 elements * 2 bytes
}

func TestNewTensorRejectsNegativeDimension(t *testing.T) {
	alloc := device.NewCPUAllocator(0)

	_, err := alloc.NewTensor(t.Context(), []int{-1, 3}, device.Float32)
	require.Error(t, err)
}

func TestNewInt32TensorIsReadWritable(t *testing.T) {
	alloc := device.NewCPUAllocator(0)

	tensor, err := alloc.NewInt32Tensor(t.Context(), []int{4})
	require.NoError(t, err)

	data := tensor.Data()
	data[0] = 7
	assert.Equal(t, []int32{7, 0, 0, 0}, tensor.Data())
}

func TestWithLedgerRecordsBytesPerLayerAcrossKeyAndValue(t *testing.T) {
	ledger, err := budget.NewLedger(1 << 20)
	require.NoError(t, err)

	alloc := device.NewCPUAllocator(0).WithLedger(ledger)
	assert.Same(t, ledger, alloc.Ledger())

	_, err = alloc.NewTensor(t.Context(), []int{4}, device.Float32) // layer 0, key
	require.NoError(t, err)
	_, err = alloc.NewTensor(t.Context(), []int{4}, device.Float32) // layer 0, value
	require.NoError(t, err)
	_, err = alloc.NewTensor(t.Context(), []int{4}, device.Float32) // layer 1, key
	require.NoError(t, err)

	committed, ok := ledger.CommittedBytes(0)
	require.True(t, ok)
	assert.Equal(t, int64(32), committed) // two 4-element float32 tensors

	committed, ok = ledger.CommittedBytes(1)
	require.True(t, ok)
	assert.Equal(t, int64(16), committed)
}

func TestNewTensorWithoutLedgerDoesNotPanic(t *testing.T) {
	alloc := device.NewCPUAllocator(0)
	assert.Nil(t, alloc.Ledger())

	_, err := alloc.NewTensor(t.Context(), []int{4}, device.Float32)
	require.NoError(t, err)
}

func TestDTypeByteSize(t *testing.T) {
	cases := map[device.DType]int{
		device.Float32:  4,
		device.Float16:  2,
		device.BFloat16: 2,
		device.Int32:    4,
		device.Int64:    8,
	}

	for dtype, want := range cases {
		assert.Equal(t, want, dtype.ByteSize(), dtype.String())
	}
}
