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

// Package blockhash derives content hashes for completed blocks and
// ranks live sequences as eviction candidates. Both are advisory: the
// manager itself never reads this package's output to decide
// admission or removal, per spec.md's explicit non-goal that the
// manager does not make admission policy. A host runtime can use it to
// decide what to ask the manager to Remove.
package blockhash

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
)

// ChunkHasher computes a content hash for a fixed-size block of token
// ids (SHA-256 over the canonical CBOR encoding of the parent hash and
// the token ids), chaining each block's hash from its prefix so
// identical prefixes across sequences produce identical chains. The
// hash itself is never consulted by the allocator — it exists so a
// host runtime can notice when two sequences' blocks are byte-for-byte
// identical, useful context for an eviction decision even though this
// module does not implement block sharing.
type ChunkHasher struct {
	seed string
}

// NewChunkHasher returns a ChunkHasher. seed salts the root hash, so
// hashers built with different seeds produce unrelated chains.
func NewChunkHasher(seed string) *ChunkHasher {
	return &ChunkHasher{seed: seed}
}

// RootHash returns the chain's starting hash, derived from the seed
// alone.
func (h *ChunkHasher) RootHash() (uint64, error) {
	encoded, err := canonicalMarshal(h.seed)
	if err != nil {
		return 0, err
	}
	return lower64(encoded), nil
}

// ChunkHash extends a parent hash with one block's token ids.
func (h *ChunkHasher) ChunkHash(parent uint64, tokenIDs []int) (uint64, error) {
	encoded, err := canonicalMarshal([]interface{}{parent, tokenIDs})
	if err != nil {
		return 0, err
	}
	return lower64(encoded), nil
}

// ChainHashes returns one hash per block, each chained from the
// previous block's hash starting at root.
func (h *ChunkHasher) ChainHashes(root uint64, blocks [][]int) ([]uint64, error) {
	hashes := make([]uint64, len(blocks))
	parent := root
	for i, block := range blocks {
		hash, err := h.ChunkHash(parent, block)
		if err != nil {
			return nil, err
		}
		hashes[i] = hash
		parent = hash
	}
	return hashes, nil
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(v)
}

func lower64(b []byte) uint64 {
	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[24:])
}
