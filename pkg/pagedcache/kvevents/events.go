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

package kvevents

import "github.com/vmihailenco/msgpack/v5"

const (
	// BlockAdmittedEventTag is the tag for BlockAdmitted events.
	BlockAdmittedEventTag = "BlockAdmitted"
	// BlockExtendedEventTag is the tag for BlockExtended events.
	BlockExtendedEventTag = "BlockExtended"
	// BlockFreedEventTag is the tag for BlockFreed events.
	BlockFreedEventTag = "BlockFreed"
	// CacheResetEventTag is the tag for CacheReset events.
	CacheResetEventTag = "CacheReset"
)

// event is a marker interface for the block-lifecycle notifications a
// PagedCacheManager publishes. The tagged-union encoding mirrors the
// vLLM wire format the teacher's consumer side decodes: a msgpack
// array whose first element is the string tag.
type event interface {
	ToTaggedUnion() []any
}

// EventBatch groups the events produced by one manager call. It is
// encoded as an array, not a map, to keep the wire format compact.
type EventBatch struct {
	_         struct{} `msgpack:",array"`
	TS        float64
	SequenceID int
	Events    []msgpack.RawMessage
}

// BlockAdmitted reports that Add reserved blockIDs for sequenceID and
// wrote slotIDs in this step.
type BlockAdmitted struct {
	_         struct{} `msgpack:",array"`
	BlockIDs  []int
	SlotIDs   []int
}

func (e BlockAdmitted) ToTaggedUnion() []any {
	return []any{BlockAdmittedEventTag, e.BlockIDs, e.SlotIDs}
}

// BlockExtended reports that AddToken wrote newSlotID, optionally
// acquiring a fresh block (nil when the existing tail block had room).
type BlockExtended struct {
	_          struct{} `msgpack:",array"`
	NewSlotID  int
	NewBlockID *int
}

func (e BlockExtended) ToTaggedUnion() []any {
	return []any{BlockExtendedEventTag, e.NewSlotID, e.NewBlockID}
}

// BlockFreed reports that Remove, or an implicit drop during
// ReorderCache, returned blockIDs to the free list.
type BlockFreed struct {
	_        struct{} `msgpack:",array"`
	BlockIDs []int
}

func (e BlockFreed) ToTaggedUnion() []any {
	return []any{BlockFreedEventTag, e.BlockIDs}
}

// CacheReset reports that every sequence was evicted and every block
// returned to the free list.
type CacheReset struct {
	_ struct{} `msgpack:",array"`
}

func (e CacheReset) ToTaggedUnion() []any {
	return []any{CacheResetEventTag}
}
