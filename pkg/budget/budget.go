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

// Package budget derives a block count from a device memory budget, the
// same "available bytes * utilization / bytes-per-block" arithmetic
// spec.md §4.1 requires of the cache's Configuration component. It also
// tracks what was actually committed against that budget using a
// ristretto cost-accounted cache, the same idiom the teacher repository
// uses in kvblock.CostAwareMemoryIndex to bound memory by real byte
// cost rather than key count.
package budget

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
)

// ErrZeroBlocks is returned when a budget cannot fit even a single
// block at the given utilization factor.
var ErrZeroBlocks = fmt.Errorf("derived block count is zero")

// BytesPerBlock computes the per-block footprint across all layers:
// two tensors (K and V) per layer, block_size tokens per block,
// num_kv_heads*head_size elements per token, sized by dtype.
func BytesPerBlock(numLayers, blockSize, numKVHeads, headSize, dtypeBytes int) (uint64, error) {
	if blockSize <= 0 {
		return 0, fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	perSlot := uint64(numKVHeads) * uint64(headSize) * uint64(dtypeBytes)
	if numKVHeads > 0 && headSize > 0 && dtypeBytes > 0 {
		// overflow guard: num_kv_heads * head_size * sizeof(dtype) must
		// not wrap around before we even get to multiplying by layers
		// and block size.
		if perSlot/uint64(numKVHeads) != uint64(headSize)*uint64(dtypeBytes) {
			return 0, fmt.Errorf("per-slot footprint overflows addressing: heads=%d head_size=%d dtype_bytes=%d",
				numKVHeads, headSize, dtypeBytes)
		}
	}

	return 2 * uint64(numLayers) * uint64(blockSize) * perSlot, nil
}

// DeriveBlockCount implements the block-count derivation of spec.md §4.1:
//
//	num_blocks = floor(available_device_bytes * utilization / bytes_per_block)
func DeriveBlockCount(availableBytes uint64, utilization float64, bytesPerBlock uint64) (int, error) {
	if bytesPerBlock == 0 {
		return 0, fmt.Errorf("bytes per block must be positive")
	}

	usable := float64(availableBytes) * utilization
	numBlocks := int(usable / float64(bytesPerBlock))
	if numBlocks <= 0 {
		return 0, ErrZeroBlocks
	}

	return numBlocks, nil
}

// ParseBytes parses a human-readable memory size ("24GiB", "500MiB",
// "2GB") the way an operator would pass an override for a device that
// cannot be queried directly (CPU-only development, unit tests).
func ParseBytes(s string) (uint64, error) {
	return humanize.ParseBytes(s)
}

// Ledger tracks bytes actually committed per layer against a budget,
// so a caller can cross-check DeriveBlockCount's estimate against what
// was truly allocated. It is purely observational — eviction here never
// touches the cache manager's own free list.
type Ledger struct {
	cache *ristretto.Cache[int, int64]
	limit int64
}

// NewLedger creates a Ledger capped at limitBytes.
func NewLedger(limitBytes int64) (*Ledger, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[int, int64]{
		NumCounters: 1e4,
		MaxCost:     limitBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize budget ledger: %w", err)
	}

	return &Ledger{cache: cache, limit: limitBytes}, nil
}

// RecordLayer records the bytes committed for a given layer index.
func (l *Ledger) RecordLayer(layer int, bytes int64) {
	l.cache.Set(layer, bytes, bytes)
	l.cache.Wait()
}

// CommittedBytes returns the bytes recorded for a layer, if any.
func (l *Ledger) CommittedBytes(layer int) (int64, bool) {
	return l.cache.Get(layer)
}

// Limit returns the ledger's configured byte budget.
func (l *Ledger) Limit() int64 {
	return l.limit
}
