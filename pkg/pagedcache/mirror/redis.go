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

// Package mirror gives external observers a read path onto which
// sequences own which blocks, without letting them influence the
// manager itself. RedisMirror satisfies pagedcache.OccupancyMirror
// structurally; the manager only ever writes through it.
package mirror

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Config holds the configuration for a RedisMirror.
type Config struct {
	// Address is a Redis connection URL, e.g. "redis://127.0.0.1:6379".
	Address string `json:"address,omitempty"`
	// KeyPrefix namespaces this manager's keys from other tenants
	// sharing the same Redis instance.
	KeyPrefix string `json:"keyPrefix,omitempty"`
}

// DefaultConfig returns a default mirror configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:   "redis://127.0.0.1:6379",
		KeyPrefix: "pagedkv",
	}
}

// RedisMirror writes each sequence's block ownership to a Redis hash
// keyed by sequence id, field "blocks" holding a comma-joined list.
// It is observational only: nothing the manager does depends on reads
// from it, and a Redis outage never blocks a lifecycle call — callers
// should treat its errors as loggable, not fatal.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects to the configured Redis instance.
func NewRedisMirror(ctx context.Context, cfg *Config) (*RedisMirror, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	address := cfg.Address
	if !strings.HasPrefix(address, "redis://") && !strings.HasPrefix(address, "rediss://") {
		address = "redis://" + address
	}

	opt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis address: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pagedkv"
	}

	return &RedisMirror{client: client, prefix: prefix}, nil
}

func (m *RedisMirror) key(sequenceID int) string {
	return fmt.Sprintf("%s:seq:%d", m.prefix, sequenceID)
}

// UpdateSequence implements pagedcache.OccupancyMirror.
func (m *RedisMirror) UpdateSequence(ctx context.Context, sequenceID int, blockIDs []int) error {
	parts := make([]string, len(blockIDs))
	for i, id := range blockIDs {
		parts[i] = strconv.Itoa(id)
	}

	if err := m.client.HSet(ctx, m.key(sequenceID), "blocks", strings.Join(parts, ",")).Err(); err != nil {
		return fmt.Errorf("failed to mirror sequence %d: %w", sequenceID, err)
	}
	return nil
}

// RemoveSequence implements pagedcache.OccupancyMirror.
func (m *RedisMirror) RemoveSequence(ctx context.Context, sequenceID int) error {
	if err := m.client.Del(ctx, m.key(sequenceID)).Err(); err != nil {
		return fmt.Errorf("failed to remove mirrored sequence %d: %w", sequenceID, err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
