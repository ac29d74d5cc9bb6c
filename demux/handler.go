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

package demux

import (
	"github.com/tracedemux/tracedemux/internal/bufbytes"
)

// Sender receives one channel's demultiplexed bytes. registry.Registry
// is the production implementation; tests substitute an in-memory one.
type Sender interface {
	Send(p []byte)
}

// Handler is one channel's publisher state: the channel id, a staging
// buffer that accumulates bytes while a raw block is being decoded,
// and the sink the staging buffer flushes to at block end.
//
// Staging the decode output per block keeps the per-subscriber copy
// count at one Send per block instead of one per byte.
type Handler struct {
	Channel byte

	staging *bufbytes.Bytes
	sink    Sender
}

// NewHandler returns a Handler for channel ch staging up to blockSize
// bytes between flushes.
func NewHandler(ch byte, blockSize int, sink Sender) *Handler {
	return &Handler{
		Channel: ch,
		staging: bufbytes.New(blockSize),
		sink:    sink,
	}
}

// Append stages one decoded byte. The staging buffer is sized to the
// raw block capacity, and decoding only ever strips bytes, so it
// cannot fill mid-block; if an oversized decode ever appears the
// buffer is flushed early rather than truncated.
func (h *Handler) Append(b byte) {
	if h.staging.Full() {
		h.Flush()
	}
	h.staging.Write([]byte{b})
}

// AppendBytes stages a run of decoded bytes.
func (h *Handler) AppendBytes(p []byte) {
	for len(p) > h.staging.Remaining() {
		n := h.staging.Remaining()
		h.staging.Write(p[:n])
		h.Flush()
		p = p[n:]
	}
	h.staging.Write(p)
}

// Flush hands the staged bytes to the sink and resets the staging
// buffer, reporting how many bytes went out. Empty staging flushes are
// free.
func (h *Handler) Flush() int {
	n := h.staging.Len()
	if n == 0 {
		return 0
	}
	h.sink.Send(h.staging.Bytes())
	h.staging.Reset()
	return n
}
