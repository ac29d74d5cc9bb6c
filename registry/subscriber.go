// Copyright 2025 The tracedemux Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriber is one attached client: a socket plus a bounded outbound
// queue measured in bytes. The queue decouples Send from the socket's
// write speed; its byte bound is what turns a slow reader into an
// eviction instead of backpressure.
type subscriber struct {
	id      string
	conn    net.Conn
	queue   chan []byte
	cap     int64
	pending atomic.Int64
	dead    atomic.Bool
}

func newSubscriber(conn net.Conn, queueCap int) *subscriber {
	return &subscriber{
		id:   uuid.New().String(),
		conn: conn,
		// The channel bounds message count; pending bounds bytes. A
		// queue of tiny chunks hits the slot bound first, a queue of
		// block-sized chunks hits the byte bound - either way the
		// total buffered data never exceeds queueCap.
		queue: make(chan []byte, 64),
		cap:   int64(queueCap),
	}
}

// push enqueues p and reports whether the subscriber is still healthy.
// It never blocks: a queue that is full in bytes or slots means the
// client has fallen behind its bound and must be evicted.
func (s *subscriber) push(p []byte) bool {
	if s.dead.Load() {
		return false
	}
	if s.pending.Load()+int64(len(p)) > s.cap {
		return false
	}

	select {
	case s.queue <- p:
		s.pending.Add(int64(len(p)))
		return true
	default:
		return false
	}
}

// kill marks the subscriber dead and wakes its writer so the goroutine
// can exit. The caller still owns closing the socket or leaves it to
// the writer's detach path.
func (s *subscriber) kill() {
	if s.dead.CompareAndSwap(false, true) {
		close(s.queue)
	}
}
