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

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/pagedkv/cache-manager/pkg/pagedcache/internal/logging"
)

// Config holds the configuration for the event publishing pool.
type Config struct {
	// ZMQEndpoint is the ZMQ PUB address to bind (e.g., "tcp://*:5557").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// Topic identifies this manager instance on the wire, e.g.
	// "kv@<instance-id>@<model-name>".
	Topic string `json:"topic"`
	// Concurrency is the number of shard workers publishing concurrently.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default publishing pool configuration.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint: "tcp://*:5557",
		Topic:       "kv@pagedcache@default",
		Concurrency: 4,
	}
}

type task struct {
	sequenceID int
	batch      EventBatch
}

// Pool is a sharded worker pool that publishes block-lifecycle events
// over a ZMQ PUB socket. Events for the same sequence id are always
// handed to the same shard, so a consumer never observes BlockAdmitted
// after BlockFreed for one sequence out of order. It implements the
// pagedcache.EventSink interface structurally — it does not import the
// pagedcache package to satisfy it.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*task]
	concurrency int
	publisher   *zmqPublisher
	wg          sync.WaitGroup
}

// NewPool creates a Pool publishing over a freshly bound ZMQ socket.
func NewPool(cfg *Config) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	publisher, err := newZMQPublisher(cfg.ZMQEndpoint, cfg.Topic)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*task], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		publisher:   publisher,
	}
	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*task]())
	}
	return p, nil
}

// Start launches the shard workers. It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("starting kv-event publishing pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.worker(ctx, i)
	}
}

// Shutdown drains every shard queue and closes the underlying socket.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	for _, queue := range p.queues {
		queue.ShutDown()
	}
	p.wg.Wait()
	p.publisher.Close()
	logger.Info("kv-event publishing pool shut down")
}

func (p *Pool) enqueue(sequenceID int, events ...event) {
	raw := make([]msgpack.RawMessage, 0, len(events))
	for _, e := range events {
		encoded, err := msgpack.Marshal(e.ToTaggedUnion())
		if err != nil {
			continue
		}
		raw = append(raw, encoded)
	}

	t := &task{
		sequenceID: sequenceID,
		batch:      EventBatch{TS: float64(time.Now().UnixNano()) / 1e9, SequenceID: sequenceID, Events: raw},
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte{byte(sequenceID), byte(sequenceID >> 8), byte(sequenceID >> 16), byte(sequenceID >> 24)})
	//nolint:gosec // concurrency is small and operator-controlled
	p.queues[h.Sum32()%uint32(p.concurrency)].Add(t)
}

func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)

	for {
		t, shutdown := queue.Get()
		if shutdown {
			return
		}

		if err := p.publisher.Publish(t.batch); err != nil {
			debugLogger.Error(err, "failed to publish kv event batch", "sequenceID", t.sequenceID)
		}
		queue.Done(t)
		queue.Forget(t)
	}
}

// BlockAdmitted implements pagedcache.EventSink.
func (p *Pool) BlockAdmitted(_ context.Context, sequenceID int, blockIDs, slotIDs []int) {
	p.enqueue(sequenceID, BlockAdmitted{BlockIDs: blockIDs, SlotIDs: slotIDs})
}

// BlockExtended implements pagedcache.EventSink.
func (p *Pool) BlockExtended(_ context.Context, sequenceID, newSlotID int, newBlockID *int) {
	p.enqueue(sequenceID, BlockExtended{NewSlotID: newSlotID, NewBlockID: newBlockID})
}

// BlockFreed implements pagedcache.EventSink.
func (p *Pool) BlockFreed(_ context.Context, sequenceID int, blockIDs []int) {
	p.enqueue(sequenceID, BlockFreed{BlockIDs: blockIDs})
}

// CacheReset implements pagedcache.EventSink.
func (p *Pool) CacheReset(_ context.Context) {
	p.enqueue(-1, CacheReset{})
}
