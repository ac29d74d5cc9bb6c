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

package oflow

import (
	"time"

	"github.com/tracedemux/tracedemux/internal/splitio"
)

// Frame is one decoded ORBFLOW record.
type Frame struct {
	Tag     byte
	Payload []byte
	Sum     byte
	Good    bool
	Tstamp  int64 // nanoseconds since epoch, stamped on arrival
}

// Decoder accumulates raw bytes across calls to Pump and emits
// complete ORBFLOW frames as they are delimited by SyncByte. It is not
// safe for concurrent use; the Distribution Processor owns one per
// framing session.
type Decoder struct {
	carry  []byte
	perror uint64
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Perror returns the number of malformed or checksum-failed records
// seen so far.
func (d *Decoder) Perror() uint64 {
	return d.perror
}

// Resync discards any partially-accumulated record, as if a resync
// event had been requested.
func (d *Decoder) Resync() {
	d.carry = d.carry[:0]
}

// Pump feeds raw bytes through the COBS layer and returns every
// complete ORBFLOW frame found, in arrival order. Bytes belonging to
// an incomplete trailing record are retained for the next call.
func (d *Decoder) Pump(data []byte) []Frame {
	d.carry = append(d.carry, data...)

	var frames []Frame
	consumed := 0
	sc := splitio.NewScannerDelim(d.carry, SyncByte)
	for sc.Scan() {
		chunk := sc.Bytes()
		if chunk[len(chunk)-1] != SyncByte {
			break // incomplete trailing record, wait for more bytes
		}
		consumed += len(chunk)

		block := chunk[:len(chunk)-1]
		if len(block) == 0 {
			continue // back-to-back SYNC bytes: no record between them
		}
		if f, ok := d.decodeRecord(block); ok {
			frames = append(frames, f)
		}
	}

	remaining := len(d.carry) - consumed
	copy(d.carry, d.carry[consumed:])
	d.carry = d.carry[:remaining]

	return frames
}

// decodeRecord turns one SYNC-delimited COBS block into an ORBFLOW
// frame. A malformed COBS block or a record shorter than tag+sum (2
// bytes) is counted in perror and dropped - OFLOWPump's _pumpcb
// reports the same len<2 condition as a decode error rather than a
// frame.
func (d *Decoder) decodeRecord(block []byte) (Frame, bool) {
	raw, err := cobsDecode(block)
	if err != nil || len(raw) < 2 {
		d.perror++
		return Frame{}, false
	}

	tag := raw[0]
	sum := raw[len(raw)-1]
	payload := raw[1 : len(raw)-1]

	total := tag
	for _, b := range payload {
		total += b
	}
	total += sum

	good := total == 0
	if !good {
		d.perror++
		return Frame{}, false
	}

	return Frame{
		Tag:     tag,
		Payload: payload,
		Sum:     sum,
		Good:    good,
		Tstamp:  time.Now().UnixNano(),
	}, true
}

// Encode serialises an ORBFLOW record for channel tag carrying
// payload, COBS-stuffed and SYNC-delimited, ready to write to a
// transport.
func Encode(tag byte, payload []byte) []byte {
	sum := tag
	for _, b := range payload {
		sum += b
	}
	trailer := byte(256 - int(sum))

	raw := make([]byte, 0, len(payload)+2)
	raw = append(raw, tag)
	raw = append(raw, payload...)
	raw = append(raw, trailer)

	out := cobsEncode(nil, raw)
	out = append(out, SyncByte)
	return out
}
