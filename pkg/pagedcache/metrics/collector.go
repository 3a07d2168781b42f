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

// Package metrics exposes Prometheus counters for PagedCacheManager
// block-lifecycle events. Collector satisfies pagedcache.MetricsRecorder
// structurally and is otherwise unaware of the manager.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	admissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagedkv", Subsystem: "cache", Name: "admissions_total",
		Help: "Total number of sequences admitted into the block pool",
	})
	blocksAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagedkv", Subsystem: "cache", Name: "blocks_allocated_total",
		Help: "Total number of blocks reserved across Add and AddToken calls",
	})
	extensions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagedkv", Subsystem: "cache", Name: "token_extensions_total",
		Help: "Total number of AddToken calls",
	})
	evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagedkv", Subsystem: "cache", Name: "evictions_total",
		Help: "Total number of sequences removed from the block pool",
	})
	blocksFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagedkv", Subsystem: "cache", Name: "blocks_freed_total",
		Help: "Total number of blocks returned to the free list",
	})
	cacheFull = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagedkv", Subsystem: "cache", Name: "cache_full_total",
		Help: "Total number of allocation attempts that failed with CacheFullError",
	})
	freeBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pagedkv", Subsystem: "cache", Name: "free_blocks",
		Help: "Blocks currently unowned in the pool",
	})
)

// Collectors returns every collector this package registers.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		admissions, blocksAllocated, extensions, evictions, blocksFreed, cacheFull, freeBlocks,
	}
}

var registerOnce sync.Once

// Register registers the collectors with the controller-runtime metrics
// registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// Collector implements pagedcache.MetricsRecorder.
type Collector struct {
	pool func() int
}

// NewCollector returns a Collector. freeBlocksFn, if non-nil, is
// sampled after every admission, extension and eviction observation to
// publish the free_blocks gauge.
func NewCollector(freeBlocksFn func() int) *Collector {
	return &Collector{pool: freeBlocksFn}
}

func (c *Collector) ObserveAdmission(blocks int) {
	admissions.Inc()
	blocksAllocated.Add(float64(blocks))
	c.sampleFreeBlocks()
}

func (c *Collector) ObserveExtension(newBlock bool) {
	extensions.Inc()
	if newBlock {
		blocksAllocated.Inc()
	}
	c.sampleFreeBlocks()
}

func (c *Collector) ObserveEviction(blocks int) {
	evictions.Inc()
	blocksFreed.Add(float64(blocks))
	c.sampleFreeBlocks()
}

func (c *Collector) ObserveCacheFull() {
	cacheFull.Inc()
}

func (c *Collector) sampleFreeBlocks() {
	if c.pool != nil {
		freeBlocks.Set(float64(c.pool()))
	}
}

// StartLogging spawns a goroutine that logs a metrics snapshot every
// interval until ctx is cancelled.
func StartLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logSnapshot(ctx)
			}
		}
	}()
}

func logSnapshot(ctx context.Context) {
	var m dto.Metric
	if err := admissions.Write(&m); err != nil {
		return
	}
	admitted := m.GetCounter().GetValue()

	var evictedMetric dto.Metric
	if err := evictions.Write(&evictedMetric); err != nil {
		return
	}
	evicted := evictedMetric.GetCounter().GetValue()

	var fullMetric dto.Metric
	if err := cacheFull.Write(&fullMetric); err != nil {
		return
	}
	full := fullMetric.GetCounter().GetValue()

	klog.FromContext(ctx).WithName("metrics").Info("paged cache metrics beat",
		"admissions", admitted, "evictions", evicted, "cacheFull", full)
}
