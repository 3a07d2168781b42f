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

package device

import (
	"context"
	"fmt"

	"github.com/pagedkv/cache-manager/pkg/budget"
)

// CPUAllocator is a reference Allocator backed by plain Go slices. It
// stands in for the real device allocator in tests, benchmarks, and the
// bundled examples — the cache manager's bookkeeping does not care
// whether the bytes behind a Tensor live on a GPU or in process memory.
type CPUAllocator struct {
	budget uint64

	ledger      *budget.Ledger
	tensorCalls int
}

// NewCPUAllocator returns a CPUAllocator that reports budgetBytes as
// available for block-count derivation.
func NewCPUAllocator(budgetBytes uint64) *CPUAllocator {
	return &CPUAllocator{budget: budgetBytes}
}

var _ Allocator = (*CPUAllocator)(nil)

// WithLedger attaches a budget.Ledger that NewTensor records committed
// bytes into, one entry per layer, so a caller can cross-check the
// block count DeriveBlockCount derived against what was actually
// allocated. It returns the receiver for chaining at construction.
func (a *CPUAllocator) WithLedger(l *budget.Ledger) *CPUAllocator {
	a.ledger = l
	return a
}

// Ledger returns the allocator's attached ledger, or nil if none was
// set via WithLedger.
func (a *CPUAllocator) Ledger() *budget.Ledger {
	return a.ledger
}

func (a *CPUAllocator) AvailableMemory(_ context.Context) (uint64, error) {
	return a.budget, nil
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		n *= dim
	}
	return n, nil
}

func (a *CPUAllocator) NewTensor(_ context.Context, shape []int, dtype DType) (Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}

	if a.ledger != nil {
		// newBlockPool calls NewTensor twice per layer (K then V), so
		// every pair of calls belongs to the same layer index.
		layer := a.tensorCalls / 2
		committed, _ := a.ledger.CommittedBytes(layer)
		a.ledger.RecordLayer(layer, committed+int64(n*dtype.ByteSize()))
		a.tensorCalls++
	}

	return &cpuTensor{
		shape: append([]int(nil), shape...),
		dtype: dtype,
		raw:   make([]byte, n*dtype.ByteSize()),
	}, nil
}

func (a *CPUAllocator) NewInt32Tensor(_ context.Context, shape []int) (Int32Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}

	return &cpuInt32Tensor{
		shape: append([]int(nil), shape...),
		data:  make([]int32, n),
	}, nil
}

type cpuTensor struct {
	shape []int
	dtype DType
	raw   []byte
}

func (t *cpuTensor) Shape() []int { return t.shape }
func (t *cpuTensor) DType() DType { return t.dtype }

// Raw exposes the backing bytes, useful for tests that want to assert
// nothing outside the manager ever writes into KV storage.
func (t *cpuTensor) Raw() []byte { return t.raw }

type cpuInt32Tensor struct {
	shape []int
	data  []int32
}

func (t *cpuInt32Tensor) Shape() []int  { return t.shape }
func (t *cpuInt32Tensor) DType() DType  { return Int32 }
func (t *cpuInt32Tensor) Data() []int32 { return t.data }
