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

// Package registry fans one channel's demultiplexed byte stream out to
// TCP subscribers. Each Registry owns one listener; every connected
// client receives the same bytes in the same order. A client that
// cannot keep up is evicted, never throttled - backpressure must not
// reach the Distribution Processor or the source.
package registry

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/tracedemux/tracedemux/internal/rescue"
	"github.com/tracedemux/tracedemux/logger"
)

// Registry is one channel's subscriber set plus its accept loop.
type Registry struct {
	name     string
	ln       net.Listener
	mut      sync.Mutex
	subs     map[string]*subscriber
	queueCap int
	closed   atomic.Bool
	evicted  atomic.Uint64
}

// New opens a listener on addr and starts accepting subscribers.
// queueCap bounds each subscriber's outbound queue in bytes.
func New(name, addr string, queueCap int) (*Registry, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen (%s) for %s", addr, name)
	}

	r := &Registry{
		name:     name,
		ln:       ln,
		subs:     make(map[string]*subscriber),
		queueCap: queueCap,
	}
	go r.loopAccept()

	logger.Infof("%s subscribers listening on %s", name, ln.Addr())
	return r, nil
}

// Addr returns the listener's bound address.
func (r *Registry) Addr() net.Addr {
	return r.ln.Addr()
}

// Subscribers reports the number of currently-attached clients.
func (r *Registry) Subscribers() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.subs)
}

// Evicted reports how many clients have ever been dropped for falling
// behind.
func (r *Registry) Evicted() uint64 {
	return r.evicted.Load()
}

func (r *Registry) loopAccept() {
	defer rescue.HandleCrash()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if r.closed.Load() {
				return
			}
			logger.Warnf("%s accept failed: %v", r.name, err)
			continue
		}

		sub := newSubscriber(conn, r.queueCap)
		r.mut.Lock()
		r.subs[sub.id] = sub
		r.mut.Unlock()

		go r.loopWrite(sub)
		logger.Debugf("%s subscriber %s attached from %s", r.name, sub.id, conn.RemoteAddr())
	}
}

// loopWrite drains one subscriber's queue onto its socket. A write
// error detaches the subscriber; an eviction closes the queue, which
// ends the loop after the backlog is abandoned.
func (r *Registry) loopWrite(sub *subscriber) {
	defer rescue.HandleCrash()
	defer r.detach(sub)

	for p := range sub.queue {
		if sub.dead.Load() {
			return
		}
		sub.pending.Add(-int64(len(p)))
		if _, err := sub.conn.Write(p); err != nil {
			return
		}
	}
}

// Send delivers p to every attached subscriber. p is copied exactly
// once; the copy is shared read-only across every queue. A subscriber
// whose queue cannot absorb the copy is evicted. Send never blocks.
func (r *Registry) Send(p []byte) {
	if len(p) == 0 {
		return
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	if len(r.subs) == 0 {
		return
	}

	shared := append([]byte{}, p...)
	for _, sub := range r.subs {
		if !sub.push(shared) {
			r.evicted.Add(1)
			sub.kill()
			delete(r.subs, sub.id)
			logger.Debugf("%s subscriber %s evicted (queue over %d bytes)",
				r.name, sub.id, r.queueCap)
		}
	}
}

// detach removes a subscriber whose writer has finished.
func (r *Registry) detach(sub *subscriber) {
	r.mut.Lock()
	if _, ok := r.subs[sub.id]; ok {
		delete(r.subs, sub.id)
	}
	r.mut.Unlock()

	sub.conn.Close()
	logger.Debugf("%s subscriber %s detached", r.name, sub.id)
}

// Close shuts the listener and every subscriber down.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs *multierror.Error
	errs = multierror.Append(errs, r.ln.Close())

	r.mut.Lock()
	for id, sub := range r.subs {
		sub.kill()
		errs = multierror.Append(errs, sub.conn.Close())
		delete(r.subs, id)
	}
	r.mut.Unlock()

	return errs.ErrorOrNil()
}
