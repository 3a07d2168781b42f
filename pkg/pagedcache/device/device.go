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

// Package device abstracts the tensor storage and memory-budget query
// that the paged cache manager borrows from its host runtime. The real
// implementation behind this interface is an ONNX Runtime / CUDA
// allocator in the system this module is modeled on; this package only
// needs to see it as a capability set.
package device

import (
	"context"
	"fmt"
)

// DType enumerates the activation dtypes the cache needs to size
// blocks for.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
	Int32
	Int64
)

// ByteSize returns the per-element size of the dtype.
func (d DType) ByteSize() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16, BFloat16:
		return 2
	case Int64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Tensor is a borrowed handle to dense storage on the device. Its
// contents are opaque to the cache manager beyond shape and dtype; the
// manager never reads or writes tensor bytes except for the Int32Tensor
// index tensors it materializes itself.
type Tensor interface {
	Shape() []int
	DType() DType
}

// Int32Tensor is a Tensor whose backing store the manager owns and
// fills in directly — used for BlockTables and SlotMapping.
type Int32Tensor interface {
	Tensor
	// Data returns the flat, row-major backing slice. Mutating it
	// mutates the tensor; callers must not retain it across the next
	// call that rebuilds the same tensor.
	Data() []int32
}

// Allocator is the device-side capability the manager is handed at
// construction time: it can report how much memory is available (used
// to derive the block count from a utilization factor) and it can
// produce new tensors.
type Allocator interface {
	// AvailableMemory returns the number of bytes free for the cache
	// pool to claim.
	AvailableMemory(ctx context.Context) (uint64, error)
	// NewTensor allocates a tensor of the given shape and dtype.
	NewTensor(ctx context.Context, shape []int, dtype DType) (Tensor, error)
	// NewInt32Tensor allocates a tensor the caller can read and write
	// element-by-element, used for index tensors.
	NewInt32Tensor(ctx context.Context, shape []int) (Int32Tensor, error)
}
