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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushRespectsByteBound(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// No writer goroutine is draining, so every accepted push stays
	// pending. The byte bound, not the slot bound, trips first here.
	sub := newSubscriber(server, 256)

	assert.True(t, sub.push(make([]byte, 200)))
	assert.False(t, sub.push(make([]byte, 100)), "push over the byte bound must fail")
	assert.True(t, sub.push(make([]byte, 56)), "bound is bytes, not pushes")
}

func TestPushAfterKill(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sub := newSubscriber(server, 256)
	sub.kill()

	assert.False(t, sub.push([]byte{0x01}))
}

func TestKillIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sub := newSubscriber(server, 256)
	sub.kill()
	assert.NotPanics(t, func() { sub.kill() })
}
