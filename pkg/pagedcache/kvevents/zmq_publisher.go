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
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
	zmq "github.com/pebbe/zmq4"
)

// zmqPublisher owns a single ZMQ PUB socket. ZMQ sockets are not
// goroutine-safe, so every Publish call is serialized behind a mutex —
// the Pool's sharding exists to order work upstream of publication,
// not to parallelize the socket write itself.
type zmqPublisher struct {
	mu     sync.Mutex
	sock   *zmq.Socket
	topic  string
	seq    atomic.Uint64
}

func newZMQPublisher(endpoint, topic string) (*zmqPublisher, error) {
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher socket: %w", err)
	}

	if err := sock.Bind(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to bind publisher socket to %s: %w", endpoint, err)
	}

	return &zmqPublisher{sock: sock, topic: topic}, nil
}

// Publish sends one event batch as a 3-part ZMQ message: topic,
// sequence number, msgpack-encoded payload. The format mirrors the
// wire layout the teacher's zmqSubscriber decodes on the consumer
// side.
func (z *zmqPublisher) Publish(batch EventBatch) error {
	payload, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, z.seq.Add(1))

	z.mu.Lock()
	defer z.mu.Unlock()

	_, err = z.sock.SendMessage(z.topic, seqBytes, payload)
	if err != nil {
		return fmt.Errorf("failed to send event batch: %w", err)
	}
	return nil
}

func (z *zmqPublisher) Close() {
	z.mu.Lock()
	defer z.mu.Unlock()
	_ = z.sock.Close()
}
