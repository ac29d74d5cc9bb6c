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

// Package tpiu implements the ARM TPIU synchronous frame decoder: a
// byte-at-a-time state machine that recovers a channel-tagged byte
// stream from a 16-byte-framed, sync-delimited transport.
package tpiu

// State is the decoder's synchronisation state.
type State int

const (
	Unsynced State = iota
	Rxing
	NewlySynced
	Synced
	Error
)

// Event is emitted for every byte pumped through the decoder.
type Event int

const (
	EventNone Event = iota
	EventRxing
	EventNewSync
	EventSynced
	EventUnsynced
	EventPacketReady
	EventError
)

var syncSeq = [4]byte{0xFF, 0xFF, 0xFF, 0x7F}

// Entry is one decoded (stream, byte) pair.
type Entry struct {
	Stream byte
	Data   byte
}

// Frame is a decoded TPIU half-frame: up to 15 (stream, byte) entries
// recovered from one 16-byte raw frame.
type Frame struct {
	Entries []Entry
}

// Stats are the decoder's running counters, rendered by the Interval
// Reporter and exposed on /metrics.
type Stats struct {
	TotalFrames  uint64
	PendingCount int
	LostFrames   uint64
	LEDs         uint8
}

const (
	ledData = 1 << 0
	ledTx   = 1 << 1
	ledOvf  = 1 << 5
	ledHB   = 1 << 7
)

// Decoder is the TPIU frame synchroniser and de-framer. It is not safe
// for concurrent use; the Distribution Processor owns one per framing
// session.
type Decoder struct {
	state  State
	last4  [4]byte
	offset int
	frame  [16]byte
	stream byte
	stats  Stats
}

// NewDecoder returns a Decoder in the Unsynced state.
func NewDecoder() *Decoder {
	return &Decoder{state: Unsynced}
}

// State returns the decoder's current synchronisation state.
func (d *Decoder) State() State {
	return d.state
}

// Stats returns a snapshot of the decoder's counters. Each call
// toggles the heartbeat led so a stationary display still shows the
// decoder is being polled.
func (d *Decoder) Stats() Stats {
	d.stats.LEDs ^= ledHB
	s := d.stats
	s.PendingCount = d.offset
	return s
}

// Resync forces the decoder back to Unsynced, as if a resync event had
// been requested (SIGHUP, or the admin server's /-/resync route).
func (d *Decoder) Resync() {
	d.state = Unsynced
	d.offset = 0
	d.last4 = [4]byte{}
}

// Pump feeds one byte through the decoder and returns the event it
// produced. frame is non-nil only on EventPacketReady.
func (d *Decoder) Pump(b byte) (Event, *Frame) {
	d.last4[0], d.last4[1], d.last4[2], d.last4[3] = d.last4[1], d.last4[2], d.last4[3], b

	if d.last4 == syncSeq {
		if d.state != Unsynced && d.offset > 0 {
			d.stats.LostFrames++
			d.stats.LEDs |= ledOvf
		}
		d.stats.LEDs ^= ledTx
		d.state = Synced
		d.offset = 0
		return EventNewSync, nil
	}

	if d.state == Unsynced {
		return EventUnsynced, nil
	}

	d.frame[d.offset] = b
	d.offset++
	d.state = Rxing

	if d.offset < 16 {
		return EventRxing, nil
	}

	frame, err := d.decodeFrame()
	d.offset = 0
	if err != nil {
		d.state = Unsynced
		d.stats.LostFrames++
		d.stats.LEDs |= ledOvf
		return EventError, nil
	}

	d.state = Synced
	d.stats.TotalFrames++
	if len(frame.Entries) > 0 {
		d.stats.LEDs |= ledData
	} else {
		d.stats.LEDs &^= ledData
	}
	return EventPacketReady, frame
}

// decodeFrame applies the ARM TPIU aux-byte rules to a completed
// 16-byte staging frame.
//
// Byte pairs (2i, 2i+1) for i in 0..6 carry one data byte each unless
// the even byte's LSB is set, in which case it is a stream-ID-change
// marker (new stream = byte>>1) and bit i of the aux byte (offset 15)
// selects whether the odd companion byte belongs to the stream in
// effect before the change (bit set) or after it (bit clear). Byte 14
// has no companion - the aux byte fills that role - so when its LSB is
// set it only changes the stream, emitting no data for that slot.
func (d *Decoder) decodeFrame() (*Frame, error) {
	aux := d.frame[15]
	f := &Frame{}
	stream := d.stream

	for i := 0; i < 7; i++ {
		even := d.frame[2*i]
		odd := d.frame[2*i+1]

		tagStream := stream
		if even&1 == 1 {
			newStream := even >> 1
			if newStream == 0 {
				return nil, errMalformed
			}
			if aux&(1<<uint(i)) != 0 {
				tagStream = stream
			} else {
				tagStream = newStream
			}
			stream = newStream
		} else {
			f.Entries = append(f.Entries, Entry{Stream: stream, Data: even})
		}
		f.Entries = append(f.Entries, Entry{Stream: tagStream, Data: odd})
	}

	last := d.frame[14]
	if last&1 == 1 {
		newStream := last >> 1
		if newStream == 0 {
			return nil, errMalformed
		}
		stream = newStream
	} else {
		f.Entries = append(f.Entries, Entry{Stream: stream, Data: last})
	}

	d.stream = stream
	return f, nil
}

// EncodeSingleStream is a reference encoder used by tests to synthesise
// a raw TPIU byte stream carrying a single stream's data with no
// mid-stream channel changes, the inverse of decodeFrame for that
// restricted case. data must be a multiple of 15 bytes long: each
// completed frame holds exactly 15 data bytes at the 7 pair slots plus
// offset 14, with the even slots' low bit forced clear (true arbitrary
// bytes only ever round-trip safely through the odd slots; a
// production encoder would route them there, but test fixtures
// built from literal byte values are easier to read when every slot is
// eligible).
func EncodeSingleStream(data []byte) []byte {
	if len(data)%15 != 0 {
		panic("tpiu: EncodeSingleStream requires a multiple of 15 bytes")
	}

	out := append([]byte{}, syncSeq[:]...)
	for len(data) > 0 {
		var frame [16]byte
		for i := 0; i < 7; i++ {
			frame[2*i] = data[2*i] &^ 1
			frame[2*i+1] = data[2*i+1]
		}
		frame[14] = data[14] &^ 1
		frame[15] = 0
		out = append(out, frame[:]...)
		data = data[15:]
	}
	return out
}

type errType int

const (
	errMalformed errType = iota
)

func (e errType) Error() string {
	return "tpiu: stream-ID change referenced invalid channel 0"
}
