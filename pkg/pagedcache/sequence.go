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

import "fmt"

// SequenceState is the per-sequence bookkeeping record described in
// spec.md §3: the blocks a sequence owns, the slots due to be written
// in the current step, and its context length.
type SequenceState struct {
	SequenceID int
	// BlockIDs is the ordered list of block ids owned by this
	// sequence. Logical token t lives at global slot
	// BlockIDs[t/blockSize]*blockSize + (t%blockSize).
	BlockIDs []int
	// SlotIDs are the global slot ids to be written this step: every
	// prompt position during the prompt step, a single element during
	// decode steps.
	SlotIDs []int
	// ContextLength is prompt_length + generated_tokens_so_far.
	ContextLength int
	// IsPrompt is true until the first AddToken call.
	IsPrompt bool
}

// sequenceTable holds live sequences in insertion order. The row order
// of BlockTables/SlotMapping follows this order, so ordering is load
// bearing, not cosmetic. It is implemented as an indexed slab (a slice
// of ids plus a map to the backing state) per spec.md §9's preferred
// design, which keeps reordering safe without iterator invalidation.
type sequenceTable struct {
	order  []int
	states map[int]*SequenceState
}

func newSequenceTable() *sequenceTable {
	return &sequenceTable{
		states: make(map[int]*SequenceState),
	}
}

func (t *sequenceTable) Contains(id int) bool {
	_, ok := t.states[id]
	return ok
}

func (t *sequenceTable) Append(state *SequenceState) error {
	if t.Contains(state.SequenceID) {
		return &DuplicateSequenceError{SequenceID: state.SequenceID}
	}

	t.order = append(t.order, state.SequenceID)
	t.states[state.SequenceID] = state
	return nil
}

func (t *sequenceTable) Get(id int) (*SequenceState, bool) {
	s, ok := t.states[id]
	return s, ok
}

// Remove deletes a sequence's state and drops it from the order slice,
// preserving the relative order of every other sequence.
func (t *sequenceTable) Remove(id int) error {
	if !t.Contains(id) {
		return &UnknownSequenceError{SequenceID: id}
	}

	delete(t.states, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}

	return nil
}

// Len returns the number of live sequences.
func (t *sequenceTable) Len() int {
	return len(t.order)
}

// StatesInOrder returns the live states in insertion (row) order. The
// returned slice is a fresh copy of the header but shares state
// pointers; callers must not mutate the SequenceState contents through
// it beyond what the manager itself does.
func (t *sequenceTable) StatesInOrder() []*SequenceState {
	out := make([]*SequenceState, len(t.order))
	for i, id := range t.order {
		out[i] = t.states[id]
	}
	return out
}

// Order returns a copy of the sequence ids in their current row order.
// This resolves spec.md §9's open question about the source's
// commented-out Order() accessor: it backs the read-only
// PagedCacheManager.SequenceOrder, so callers can read the row order
// without re-deriving it from BlockTables.
func (t *sequenceTable) Order() []int {
	return append([]int(nil), t.order...)
}

// Permute reorders the table per spec.md §4.5:
// index_permutation[i] = j means the sequence at position j becomes
// the sequence at position i. A permutation shorter than the live
// sequence count implicitly drops the omitted positions; those
// sequence ids are returned so the caller can release their blocks.
//
// It does not remove state from the table for dropped positions — the
// caller (PagedCacheManager.ReorderCache) is responsible for that,
// since releasing blocks is a pool operation the table itself doesn't
// have a handle on.
func (t *sequenceTable) Permute(perm []int) (dropped []int, err error) {
	n := len(t.order)
	if len(perm) > n {
		return nil, &InvalidPermutationError{Reason: fmt.Sprintf(
			"permutation length %d exceeds live sequence count %d", len(perm), n)}
	}

	seen := make([]bool, n)
	for _, j := range perm {
		if j < 0 || j >= n {
			return nil, &InvalidPermutationError{Reason: fmt.Sprintf("index %d out of range [0, %d)", j, n)}
		}
		if seen[j] {
			return nil, &InvalidPermutationError{Reason: fmt.Sprintf("index %d repeated", j)}
		}
		seen[j] = true
	}

	newOrder := make([]int, len(perm))
	for i, j := range perm {
		newOrder[i] = t.order[j]
	}

	for j := 0; j < n; j++ {
		if !seen[j] {
			dropped = append(dropped, t.order[j])
		}
	}

	t.order = newOrder
	return dropped, nil
}

// forget removes a sequence's state without touching the order slice —
// used once ReorderCache has already excluded the id from the new
// order via Permute.
func (t *sequenceTable) forget(id int) {
	delete(t.states, id)
}
