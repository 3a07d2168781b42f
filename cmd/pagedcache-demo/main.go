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

package main

import (
	"context"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/pagedkv/cache-manager/pkg/budget"
	"github.com/pagedkv/cache-manager/pkg/pagedcache"
	"github.com/pagedkv/cache-manager/pkg/pagedcache/blockhash"
	"github.com/pagedkv/cache-manager/pkg/pagedcache/device"
	"github.com/pagedkv/cache-manager/pkg/pagedcache/kvevents"
	"github.com/pagedkv/cache-manager/pkg/pagedcache/metrics"
	"github.com/pagedkv/cache-manager/pkg/pagedcache/mirror"
)

const (
	envNumLayers    = "NUM_LAYERS"
	envNumBlocks    = "NUM_BLOCKS"
	envBlockSize    = "BLOCK_SIZE"
	envNumHeads     = "NUM_KV_HEADS"
	envHeadSize     = "HEAD_SIZE"
	envZMQEndpoint  = "EVENTS_ZMQ_ENDPOINT"
	envRedisAddress = "REDIS_ADDRESS"
)

// demoComponents bundles the wired-up manager and every optional
// domain-stack integration the demo exercises, so main can shut them
// down cleanly regardless of which ones came up.
type demoComponents struct {
	manager   *pagedcache.PagedCacheManager
	advisor   *blockhash.Advisor
	events    *kvevents.Pool
	occMirror *mirror.RedisMirror
	ledger    *budget.Ledger
}

func main() {
	ctx := context.Background()
	logger := klog.FromContext(ctx)

	components, err := setupManager(ctx)
	if err != nil {
		logger.Error(err, "failed to set up paged cache manager")
		os.Exit(1)
	}
	defer components.shutdown(ctx)

	if err := runDemoWorkload(ctx, components); err != nil {
		logger.Error(err, "demo workload failed")
		os.Exit(1)
	}
}

func setupManager(ctx context.Context) (*demoComponents, error) {
	logger := klog.FromContext(ctx)

	opts := pagedcache.DefaultCacheOptions(
		envOrInt(envNumLayers, 32),
		envOrInt(envNumHeads, 8),
		envOrInt(envHeadSize, 128),
		device.Float16,
	)
	opts.BlockSize = envOrInt(envBlockSize, pagedcache.DefaultBlockSize)
	if n := envOrInt(envNumBlocks, 0); n > 0 {
		opts.NumBlocks = n
	} else {
		opts.MemoryBudgetOverride = "2GiB"
	}

	advisor, err := blockhash.NewAdvisor(blockhash.DefaultAdvisorSize)
	if err != nil {
		return nil, err
	}

	metrics.Register()

	const cpuBudget = uint64(1) << 32
	ledger, err := budget.NewLedger(int64(cpuBudget))
	if err != nil {
		return nil, fmt.Errorf("failed to construct budget ledger: %w", err)
	}
	alloc := device.NewCPUAllocator(cpuBudget).WithLedger(ledger)

	eventsCfg := kvevents.DefaultConfig()
	if endpoint := os.Getenv(envZMQEndpoint); endpoint != "" {
		eventsCfg.ZMQEndpoint = endpoint
	}
	events, err := kvevents.NewPool(eventsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to construct kv-event publishing pool: %w", err)
	}
	events.Start(ctx)

	// The mirror needs a reachable Redis instance; unlike the ZMQ PUB
	// socket above, binding it has no standalone mode, so it is only
	// wired when an operator opts in, and a connection failure is
	// logged, not fatal, per its own documented contract.
	var occMirror *mirror.RedisMirror
	if address := os.Getenv(envRedisAddress); address != "" {
		occMirror, err = mirror.NewRedisMirror(ctx, &mirror.Config{Address: address, KeyPrefix: "pagedkv-demo"})
		if err != nil {
			logger.Error(err, "occupancy mirror unavailable, continuing without it")
			occMirror = nil
		}
	}

	// The collector needs to sample FreeBlocks() on every observation,
	// but the manager it will observe doesn't exist until after Hooks
	// are supplied. mgr is bound once construction succeeds below.
	var mgr *pagedcache.PagedCacheManager
	collector := metrics.NewCollector(func() int {
		if mgr == nil {
			return 0
		}
		return mgr.FreeBlocks()
	})

	hooks := pagedcache.Hooks{
		Events:  events,
		Metrics: collector,
		Advisor: advisor,
	}
	if occMirror != nil {
		hooks.Mirror = occMirror
	}

	manager, err := pagedcache.NewPagedCacheManager(ctx, opts, alloc, alloc, hooks)
	if err != nil {
		return nil, fmt.Errorf("failed to construct paged cache manager: %w", err)
	}
	mgr = manager

	logger.Info("paged cache manager ready",
		"numBlocks", manager.Options().NumBlocks,
		"blockSize", manager.Options().BlockSize,
		"occupancyMirror", occMirror != nil)

	return &demoComponents{
		manager:   manager,
		advisor:   advisor,
		events:    events,
		occMirror: occMirror,
		ledger:    ledger,
	}, nil
}

func (c *demoComponents) shutdown(ctx context.Context) {
	c.events.Shutdown(ctx)
	if c.occMirror != nil {
		_ = c.occMirror.Close()
	}
}

func runDemoWorkload(ctx context.Context, c *demoComponents) error {
	logger := klog.FromContext(ctx)
	manager := c.manager

	prompts := []struct {
		sequenceID int
		tokens     int
	}{
		{sequenceID: 1, tokens: 37},
		{sequenceID: 2, tokens: 12},
		{sequenceID: 3, tokens: 64},
	}

	for _, p := range prompts {
		if err := manager.Add(ctx, p.sequenceID, p.tokens); err != nil {
			return fmt.Errorf("failed to admit sequence %d: %w", p.sequenceID, err)
		}
	}

	for step := 0; step < 8; step++ {
		for _, p := range prompts {
			if err := manager.AddToken(ctx, p.sequenceID); err != nil {
				return fmt.Errorf("failed to extend sequence %d: %w", p.sequenceID, err)
			}
		}
	}

	tables, err := manager.BlockTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to materialize block tables: %w", err)
	}
	logger.Info("block tables materialized", "shape", tables.Shape())

	slots, err := manager.SlotMapping(ctx)
	if err != nil {
		return fmt.Errorf("failed to materialize slot mapping: %w", err)
	}
	logger.Info("slot mapping materialized", "length", len(slots.Data()))

	logger.Info("eviction candidates", "ids", c.advisor.Candidates(3))

	if committed, ok := c.ledger.CommittedBytes(0); ok {
		logger.Info("budget ledger sample", "layer", 0, "committedBytes", committed, "limit", c.ledger.Limit())
	}

	if err := manager.CheckInvariants(); err != nil {
		return fmt.Errorf("invariant check failed: %w", err)
	}

	for _, p := range prompts {
		if err := manager.Remove(ctx, p.sequenceID); err != nil {
			return fmt.Errorf("failed to remove sequence %d: %w", p.sequenceID, err)
		}
	}

	logger.Info("demo workload complete", "freeBlocks", manager.FreeBlocks())
	return nil
}

func envOrInt(name string, fallback int) int {
	val := os.Getenv(name)
	if val == "" {
		return fallback
	}

	n := 0
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}
