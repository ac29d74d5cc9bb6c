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
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, queueCap int) *Registry {
	t.Helper()

	r, err := New("test", "127.0.0.1:0", queueCap)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func dialAndWait(t *testing.T, r *Registry, want int) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return r.Subscribers() >= want
	}, time.Second, 5*time.Millisecond, "subscriber never attached")
	return conn
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestSendReachesEverySubscriberInOrder(t *testing.T) {
	r := newTestRegistry(t, 64*1024)

	a := dialAndWait(t, r, 1)
	b := dialAndWait(t, r, 2)

	r.Send([]byte{0x01, 0x02})
	r.Send([]byte{0x03})

	assert.Equal(t, []byte{0x01, 0x02, 0x03}, readExactly(t, a, 3))
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, readExactly(t, b, 3))
}

func TestChannelIsolation(t *testing.T) {
	ra := newTestRegistry(t, 64*1024)
	rb := newTestRegistry(t, 64*1024)

	subA := dialAndWait(t, ra, 1)
	subB := dialAndWait(t, rb, 1)

	ra.Send([]byte{0xAA})
	rb.Send([]byte{0xBB})

	assert.Equal(t, []byte{0xAA}, readExactly(t, subA, 1))
	assert.Equal(t, []byte{0xBB}, readExactly(t, subB, 1))

	// Nothing further may arrive on either side.
	subA.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := subA.Read(make([]byte, 1))
	assert.Error(t, err, "channel A subscriber received channel B bytes")
}

func TestSlowSubscriberIsEvictedOthersUnaffected(t *testing.T) {
	r := newTestRegistry(t, 64*1024)

	slow := dialAndWait(t, r, 1)
	fast := dialAndWait(t, r, 2)

	// The fast client drains continuously from the start.
	var got []byte
	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		buf := make([]byte, 64*1024)
		fast.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			n, err := fast.Read(buf)
			if n > 0 {
				got = append(got, buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	// The slow client never reads. Flood far past its queue bound plus
	// any kernel-side socket buffering; Send must stay non-blocking
	// throughout and must eventually evict the stalled client.
	payload := make([]byte, 4096)
	var sent []byte
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for i := 0; i < 1024; i++ {
			for j := range payload {
				payload[j] = byte(i)
			}
			r.Send(payload)
			sent = append(sent, payload...)
		}
	}()

	select {
	case <-sendDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked on a stalled subscriber")
	}

	require.Eventually(t, func() bool {
		return r.Evicted() >= 1
	}, 2*time.Second, 5*time.Millisecond, "stalled subscriber never evicted")

	// After eviction only the fast subscriber remains attached.
	assert.Equal(t, 1, r.Subscribers())

	fast.Close()
	<-fastDone

	// The fast reader's stream is an in-order prefix of what was sent:
	// eviction of its sibling lost it nothing and reordered nothing.
	require.LessOrEqual(t, len(got), len(sent))
	assert.Equal(t, sent[:len(got)], got, "fast subscriber stream diverged")
	assert.NotEmpty(t, got)

	_ = slow
}

func TestDisconnectedSubscriberIsReaped(t *testing.T) {
	r := newTestRegistry(t, 64*1024)

	conn := dialAndWait(t, r, 1)
	conn.Close()

	// A send after the peer is gone surfaces the write error and the
	// writer detaches the subscriber.
	require.Eventually(t, func() bool {
		r.Send([]byte{0x00})
		return r.Subscribers() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestCloseRefusesNewSubscribers(t *testing.T) {
	r, err := New("test", "127.0.0.1:0", 1024)
	require.NoError(t, err)

	addr := r.Addr().String()
	require.NoError(t, r.Close())

	_, err = net.Dial("tcp", addr)
	assert.Error(t, err)
}
