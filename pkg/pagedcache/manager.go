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

// Package pagedcache implements the PagedCacheManager: the allocator
// and bookkeeper that owns a block pool shared by every live sequence
// in an autoregressive decoding batch. It maps sequence ids to block
// lists, produces the per-step BlockTables/SlotMapping index tensors
// attention kernels consume, and supports the beam-search permutation
// ReorderCache needs. It does not execute attention, own model
// weights, or decide which sequences to admit — those are the host
// runtime's job.
package pagedcache

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/pagedkv/cache-manager/pkg/pagedcache/device"
	"github.com/pagedkv/cache-manager/pkg/pagedcache/internal/logging"
)

// EventSink receives block-lifecycle notifications as the manager
// mutates sequences. Implementations (see pkg/pagedcache/kvevents) are
// expected to be non-blocking; the manager calls them synchronously on
// its own call stack.
type EventSink interface {
	BlockAdmitted(ctx context.Context, sequenceID int, blockIDs, slotIDs []int)
	BlockExtended(ctx context.Context, sequenceID, newSlotID int, newBlockID *int)
	BlockFreed(ctx context.Context, sequenceID int, blockIDs []int)
	CacheReset(ctx context.Context)
}

// MetricsRecorder receives counts for the manager's Prometheus
// collectors (see pkg/pagedcache/metrics).
type MetricsRecorder interface {
	ObserveAdmission(blocks int)
	ObserveExtension(newBlock bool)
	ObserveEviction(blocks int)
	ObserveCacheFull()
}

// OccupancyMirror receives a best-effort copy of each sequence's block
// table for external observability (see pkg/pagedcache/mirror). It is
// never read from by the manager.
type OccupancyMirror interface {
	UpdateSequence(ctx context.Context, sequenceID int, blockIDs []int) error
	RemoveSequence(ctx context.Context, sequenceID int) error
}

// EvictionAdvisor ranks live sequences as eviction candidates without
// ever deciding admission or removal itself (see pkg/pagedcache/blockhash).
type EvictionAdvisor interface {
	Touch(sequenceID int)
	Forget(sequenceID int)
}

// Hooks bundles the optional domain-stack integrations a manager can
// be constructed with. Every field may be left nil.
type Hooks struct {
	Events   EventSink
	Metrics  MetricsRecorder
	Mirror   OccupancyMirror
	Advisor  EvictionAdvisor
}

// PagedCacheManager is the allocator/bookkeeper described in spec.md.
// It is not safe for concurrent use: callers must serialize access to
// every method, mutating or not, with an external lock if multiple
// goroutines can reach it.
type PagedCacheManager struct {
	options   CacheOptions
	allocator device.Allocator
	pool      *blockPool
	sequences *sequenceTable
	hooks     Hooks

	// blockTables and slotMapping retain the tensors built by the most
	// recent BlockTables/SlotMapping call. No accessor exposes them; they
	// are overwritten on the next call, and the tensors those calls
	// return must not be retained by external callers.
	blockTables device.Int32Tensor
	slotMapping device.Int32Tensor
}

// NewPagedCacheManager constructs a manager per spec.md §4.1. cpuAllocator
// is accepted for parity with the system this module is modeled on
// (onnxruntime-genai's PagedCacheManager takes both a CPU and a GPU
// allocator) but is currently unused by the bookkeeping itself — every
// tensor the manager owns lives on deviceAllocator.
func NewPagedCacheManager(
	ctx context.Context,
	opts *CacheOptions,
	cpuAllocator, deviceAllocator device.Allocator,
	hooks Hooks,
) (*PagedCacheManager, error) {
	_ = cpuAllocator

	if opts == nil {
		return nil, &ConfigurationError{Reason: "cache options must not be nil"}
	}
	if deviceAllocator == nil {
		return nil, &ConfigurationError{Reason: "device allocator must not be nil"}
	}

	numBlocks, err := opts.resolve(ctx, deviceAllocator)
	if err != nil {
		return nil, err
	}

	pool, err := newBlockPool(ctx, opts.NumLayers, numBlocks, opts.BlockSize,
		opts.NumKVHeads, opts.HeadSize, opts.DType, deviceAllocator)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate block pool: %w", err)
	}

	klog.FromContext(ctx).V(logging.DEBUG).Info("paged cache manager constructed",
		"numBlocks", numBlocks, "blockSize", opts.BlockSize, "numLayers", opts.NumLayers)

	resolved := *opts
	resolved.NumBlocks = numBlocks

	return &PagedCacheManager{
		options:   resolved,
		allocator: deviceAllocator,
		pool:      pool,
		sequences: newSequenceTable(),
		hooks:     hooks,
	}, nil
}

// Options returns a copy of the manager's resolved configuration
// (NumBlocks filled in even if it was derived rather than supplied).
func (m *PagedCacheManager) Options() CacheOptions {
	return m.options
}

// FreeBlocks returns the number of blocks currently unowned.
func (m *PagedCacheManager) FreeBlocks() int {
	return m.pool.freeCount()
}

// Cache returns the borrowed K, V tensors for layerID. The manager
// retains ownership; the caller must not outlive the manager's
// lifetime.
func (m *PagedCacheManager) Cache(layerID int) (device.Tensor, device.Tensor, error) {
	return m.pool.cache(layerID)
}

// Add admits a new sequence's prompt per spec.md §4.3: it reserves
// ceil(prompt_token_size / block_size) blocks and registers the
// sequence with its full prompt slot mapping. On CacheFull, no state
// is mutated.
func (m *PagedCacheManager) Add(ctx context.Context, sequenceID int, promptTokenSize int) error {
	if m.sequences.Contains(sequenceID) {
		return &DuplicateSequenceError{SequenceID: sequenceID}
	}
	if promptTokenSize <= 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("prompt_token_size must be positive, got %d", promptTokenSize)}
	}

	blockSize := m.options.BlockSize
	needed := ceilDiv(promptTokenSize, blockSize)

	blockIDs, err := m.pool.findAvailable(needed)
	if err != nil {
		if m.hooks.Metrics != nil {
			m.hooks.Metrics.ObserveCacheFull()
		}
		return err
	}

	if err := m.pool.reserve(blockIDs); err != nil {
		return err
	}

	slotIDs := make([]int, promptTokenSize)
	for t := 0; t < promptTokenSize; t++ {
		blockIdx := t / blockSize
		offset := t % blockSize
		slotIDs[t] = blockIDs[blockIdx]*blockSize + offset
	}

	state := &SequenceState{
		SequenceID:    sequenceID,
		BlockIDs:      blockIDs,
		SlotIDs:       slotIDs,
		ContextLength: promptTokenSize,
		IsPrompt:      true,
	}

	if err := m.sequences.Append(state); err != nil {
		// Unreachable given the Contains check above, but keep state
		// transactional regardless.
		if releaseErr := m.pool.release(blockIDs); releaseErr != nil {
			return releaseErr
		}
		return err
	}

	klog.FromContext(ctx).V(logging.DEBUG).Info("sequence admitted",
		"sequenceID", sequenceID, "promptTokens", promptTokenSize, "blocks", blockIDs)

	if m.hooks.Events != nil {
		m.hooks.Events.BlockAdmitted(ctx, sequenceID, blockIDs, slotIDs)
	}
	if m.hooks.Metrics != nil {
		m.hooks.Metrics.ObserveAdmission(len(blockIDs))
	}
	if m.hooks.Mirror != nil {
		if err := m.hooks.Mirror.UpdateSequence(ctx, sequenceID, blockIDs); err != nil {
			klog.FromContext(ctx).V(logging.DEBUG).Error(err, "occupancy mirror update failed", "sequenceID", sequenceID)
		}
	}
	if m.hooks.Advisor != nil {
		m.hooks.Advisor.Touch(sequenceID)
	}

	return nil
}

// AddToken extends a sequence by one decode step per spec.md §4.4: it
// allots the next global slot, acquiring a new block only when the
// current one is exactly full.
func (m *PagedCacheManager) AddToken(ctx context.Context, sequenceID int) error {
	state, ok := m.sequences.Get(sequenceID)
	if !ok {
		return &UnknownSequenceError{SequenceID: sequenceID}
	}

	blockSize := m.options.BlockSize
	nextPos := state.ContextLength

	var newBlockID *int
	if nextPos%blockSize == 0 {
		ids, err := m.pool.findAvailable(1)
		if err != nil {
			if m.hooks.Metrics != nil {
				m.hooks.Metrics.ObserveCacheFull()
			}
			return err
		}
		if err := m.pool.reserve(ids); err != nil {
			return err
		}

		state.BlockIDs = append(state.BlockIDs, ids[0])
		newBlockID = &ids[0]
	}

	blockIdx := nextPos / blockSize
	offset := nextPos % blockSize
	globalSlot := state.BlockIDs[blockIdx]*blockSize + offset

	state.SlotIDs = []int{globalSlot}
	state.IsPrompt = false
	state.ContextLength++

	klog.FromContext(ctx).V(logging.TRACE).Info("token appended",
		"sequenceID", sequenceID, "slot", globalSlot, "newBlock", newBlockID != nil)

	if m.hooks.Events != nil {
		m.hooks.Events.BlockExtended(ctx, sequenceID, globalSlot, newBlockID)
	}
	if m.hooks.Metrics != nil {
		m.hooks.Metrics.ObserveExtension(newBlockID != nil)
	}
	if m.hooks.Mirror != nil && newBlockID != nil {
		if err := m.hooks.Mirror.UpdateSequence(ctx, sequenceID, state.BlockIDs); err != nil {
			klog.FromContext(ctx).V(logging.DEBUG).Error(err, "occupancy mirror update failed", "sequenceID", sequenceID)
		}
	}
	if m.hooks.Advisor != nil {
		m.hooks.Advisor.Touch(sequenceID)
	}

	return nil
}

// Remove releases a sequence's blocks back to the pool and deletes its
// state. Calling it twice for the same sequence id returns
// UnknownSequenceError on the second call.
func (m *PagedCacheManager) Remove(ctx context.Context, sequenceID int) error {
	state, ok := m.sequences.Get(sequenceID)
	if !ok {
		return &UnknownSequenceError{SequenceID: sequenceID}
	}

	if err := m.pool.release(state.BlockIDs); err != nil {
		return err
	}
	if err := m.sequences.Remove(sequenceID); err != nil {
		return err
	}

	klog.FromContext(ctx).V(logging.DEBUG).Info("sequence removed",
		"sequenceID", sequenceID, "blocksFreed", len(state.BlockIDs))

	if m.hooks.Events != nil {
		m.hooks.Events.BlockFreed(ctx, sequenceID, state.BlockIDs)
	}
	if m.hooks.Metrics != nil {
		m.hooks.Metrics.ObserveEviction(len(state.BlockIDs))
	}
	if m.hooks.Mirror != nil {
		if err := m.hooks.Mirror.RemoveSequence(ctx, sequenceID); err != nil {
			klog.FromContext(ctx).V(logging.DEBUG).Error(err, "occupancy mirror removal failed", "sequenceID", sequenceID)
		}
	}
	if m.hooks.Advisor != nil {
		m.hooks.Advisor.Forget(sequenceID)
	}

	return nil
}

// ReorderCache permutes the sequence table per spec.md §4.5 to follow
// a beam-search reorder. index_permutation[i] = j means the sequence
// currently at position j becomes the sequence at position i. Any
// position omitted from a shorter permutation is treated as an
// implicit removal: its blocks are released and its state deleted.
func (m *PagedCacheManager) ReorderCache(ctx context.Context, indexPermutation []int) error {
	dropped, err := m.sequences.Permute(indexPermutation)
	if err != nil {
		return err
	}

	for _, sequenceID := range dropped {
		state, ok := m.sequences.Get(sequenceID)
		if !ok {
			return &InvariantViolationError{Reason: fmt.Sprintf(
				"sequence %d dropped by permutation but missing from state map", sequenceID)}
		}

		if err := m.pool.release(state.BlockIDs); err != nil {
			return err
		}
		m.sequences.forget(sequenceID)

		if m.hooks.Events != nil {
			m.hooks.Events.BlockFreed(ctx, sequenceID, state.BlockIDs)
		}
		if m.hooks.Metrics != nil {
			m.hooks.Metrics.ObserveEviction(len(state.BlockIDs))
		}
		if m.hooks.Mirror != nil {
			if err := m.hooks.Mirror.RemoveSequence(ctx, sequenceID); err != nil {
				klog.FromContext(ctx).V(logging.DEBUG).Error(err, "occupancy mirror removal failed", "sequenceID", sequenceID)
			}
		}
		if m.hooks.Advisor != nil {
			m.hooks.Advisor.Forget(sequenceID)
		}
	}

	klog.FromContext(ctx).V(logging.DEBUG).Info("cache reordered",
		"permutation", indexPermutation, "dropped", dropped)

	return nil
}

// SequenceOrder returns the live sequence ids in their current row
// order, resolving spec.md §9's open question about the source's
// commented-out Order() accessor.
func (m *PagedCacheManager) SequenceOrder() []int {
	return m.sequences.Order()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
