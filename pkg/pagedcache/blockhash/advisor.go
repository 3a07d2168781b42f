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

package blockhash

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultAdvisorSize bounds how many sequences the advisor tracks
// before it starts forgetting the least recently touched ones on its
// own — a sequence the manager never explicitly Forget()s (because a
// host simply stopped calling AddToken for it) should not leak
// forever.
const DefaultAdvisorSize = 1 << 16

// Advisor ranks live sequences by recency of use so a host runtime
// can pick eviction candidates under memory pressure. It implements
// pagedcache.EvictionAdvisor structurally. It never calls back into
// the manager — Candidates only returns ids, the caller decides
// whether and how to Remove them.
type Advisor struct {
	mu    sync.Mutex
	cache *lru.Cache[int, struct{}]
}

// NewAdvisor returns an Advisor tracking at most size sequences.
func NewAdvisor(size int) (*Advisor, error) {
	if size <= 0 {
		size = DefaultAdvisorSize
	}

	cache, err := lru.New[int, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize eviction advisor: %w", err)
	}

	return &Advisor{cache: cache}, nil
}

// Touch implements pagedcache.EvictionAdvisor: marks sequenceID as
// most recently used.
func (a *Advisor) Touch(sequenceID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache.Add(sequenceID, struct{}{})
}

// Forget implements pagedcache.EvictionAdvisor: drops sequenceID from
// consideration, called once the manager has already removed it.
func (a *Advisor) Forget(sequenceID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache.Remove(sequenceID)
}

// Candidates returns up to n sequence ids in least-recently-used
// order, the advisor's best guess at what a host should evict first.
func (a *Advisor) Candidates(n int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := a.cache.Keys() // oldest first
	if n > len(keys) {
		n = len(keys)
	}
	return append([]int(nil), keys[:n]...)
}
