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
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// CheckInvariants verifies the two properties spec.md §8 calls
// testable by construction: block conservation (every block is either
// free or owned by exactly one sequence, and the two sets partition
// [0, numBlocks)) and no-aliasing (no block id appears twice across
// sequence owners). It is intended for tests and debug builds, not the
// hot path.
func (m *PagedCacheManager) CheckInvariants() error {
	free := sets.New[int](m.pool.free...)
	owned := sets.New[int]()

	for _, blockID := range m.pool.free {
		if blockID < 0 || blockID >= m.pool.numBlocks {
			return &InvariantViolationError{Reason: fmt.Sprintf(
				"free block %d outside [0, %d)", blockID, m.pool.numBlocks)}
		}
	}

	for _, state := range m.sequences.StatesInOrder() {
		for _, blockID := range state.BlockIDs {
			if blockID < 0 || blockID >= m.pool.numBlocks {
				return &InvariantViolationError{Reason: fmt.Sprintf(
					"block %d owned by sequence %d outside [0, %d)", blockID, state.SequenceID, m.pool.numBlocks)}
			}
			if owned.Has(blockID) {
				return &InvariantViolationError{Reason: fmt.Sprintf(
					"block %d owned by more than one sequence", blockID)}
			}
			if free.Has(blockID) {
				return &InvariantViolationError{Reason: fmt.Sprintf(
					"block %d is both free and owned by sequence %d", blockID, state.SequenceID)}
			}
			owned.Insert(blockID)
		}
	}

	total := free.Len() + owned.Len()
	if total != m.pool.numBlocks {
		return &InvariantViolationError{Reason: fmt.Sprintf(
			"free (%d) + owned (%d) = %d, want numBlocks %d", free.Len(), owned.Len(), total, m.pool.numBlocks)}
	}

	for _, state := range m.sequences.StatesInOrder() {
		capacity := len(state.BlockIDs) * m.options.BlockSize
		if state.ContextLength > capacity {
			return &InvariantViolationError{Reason: fmt.Sprintf(
				"sequence %d has context length %d exceeding block capacity %d",
				state.SequenceID, state.ContextLength, capacity)}
		}
	}

	return nil
}
