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

	"github.com/pagedkv/cache-manager/pkg/budget"
	"github.com/pagedkv/cache-manager/pkg/pagedcache/device"
)

// DefaultBlockSize is the number of token slots per block. 16 is the
// default vLLM and onnxruntime-genai both ship with.
const DefaultBlockSize = 16

// DefaultGPUUtilizationFactor is the fraction of available device
// memory the pool claims when NumBlocks is not supplied explicitly.
const DefaultGPUUtilizationFactor = 0.3

// CacheOptions configures a PagedCacheManager. NumBlocks and
// GPUUtilizationFactor are mutually exclusive ways of sizing the pool:
// set NumBlocks explicitly, or leave it zero and supply
// GPUUtilizationFactor (or accept its default) to derive the count from
// the device allocator's reported available memory.
type CacheOptions struct {
	NumLayers  int        `json:"numLayers"`
	BlockSize  int        `json:"blockSize"`
	NumKVHeads int        `json:"numKvHeads"`
	HeadSize   int        `json:"headSize"`
	DType      device.DType `json:"dtype"`

	// NumBlocks, if non-zero, fixes the pool size explicitly.
	NumBlocks int `json:"numBlocks,omitempty"`
	// GPUUtilizationFactor is used to derive NumBlocks when it is zero.
	GPUUtilizationFactor float64 `json:"gpuUtilizationFactor,omitempty"`
	// MemoryBudgetOverride, if set, is a human-readable size
	// ("24GiB") used instead of querying the device allocator — for
	// deployments where the allocator cannot report availability, and
	// for tests that want a deterministic pool size without a real
	// device behind them.
	MemoryBudgetOverride string `json:"memoryBudgetOverride,omitempty"`
}

// DefaultCacheOptions returns a CacheOptions with the spec's defaults
// for every field the caller doesn't have a strong opinion on.
func DefaultCacheOptions(numLayers, numKVHeads, headSize int, dtype device.DType) *CacheOptions {
	return &CacheOptions{
		NumLayers:            numLayers,
		BlockSize:            DefaultBlockSize,
		NumKVHeads:           numKVHeads,
		HeadSize:             headSize,
		DType:                dtype,
		GPUUtilizationFactor: DefaultGPUUtilizationFactor,
	}
}

// resolve validates the options and, if NumBlocks is unset, derives it
// from the device allocator's available memory (or the override
// string, if supplied). It returns the effective block count.
func (o *CacheOptions) resolve(ctx context.Context, alloc device.Allocator) (int, error) {
	if o.BlockSize <= 0 {
		return 0, &ConfigurationError{Reason: fmt.Sprintf("block_size must be positive, got %d", o.BlockSize)}
	}
	if o.NumLayers <= 0 {
		return 0, &ConfigurationError{Reason: fmt.Sprintf("num_layers must be positive, got %d", o.NumLayers)}
	}
	if o.NumKVHeads <= 0 || o.HeadSize <= 0 {
		return 0, &ConfigurationError{Reason: fmt.Sprintf(
			"num_kv_heads and head_size must be positive, got %d and %d", o.NumKVHeads, o.HeadSize)}
	}

	bytesPerBlock, err := budget.BytesPerBlock(o.NumLayers, o.BlockSize, o.NumKVHeads, o.HeadSize, o.DType.ByteSize())
	if err != nil {
		return 0, &ConfigurationError{Reason: err.Error()}
	}

	if o.NumBlocks > 0 {
		return o.NumBlocks, nil
	}

	utilization := o.GPUUtilizationFactor
	if utilization <= 0 {
		utilization = DefaultGPUUtilizationFactor
	}

	var availableBytes uint64
	if o.MemoryBudgetOverride != "" {
		availableBytes, err = budget.ParseBytes(o.MemoryBudgetOverride)
		if err != nil {
			return 0, &ConfigurationError{Reason: fmt.Sprintf("invalid memoryBudgetOverride: %v", err)}
		}
	} else {
		availableBytes, err = alloc.AvailableMemory(ctx)
		if err != nil {
			return 0, &ConfigurationError{Reason: fmt.Sprintf("failed to query available device memory: %v", err)}
		}
	}

	numBlocks, err := budget.DeriveBlockCount(availableBytes, utilization, bytesPerBlock)
	if err != nil {
		return 0, &ConfigurationError{Reason: fmt.Sprintf(
			"derived zero blocks from %d available bytes at utilization %.2f (%d bytes/block): %v",
			availableBytes, utilization, bytesPerBlock, err)}
	}

	return numBlocks, nil
}
