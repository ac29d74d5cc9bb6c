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

// Package oflow implements the ORBFLOW packet framer: Consistent
// Overhead Byte Stuffing (COBS) over a SYNC-delimited transport,
// carrying tag+payload+checksum records.
package oflow

import "github.com/pkg/errors"

// SyncByte delimits one COBS-encoded block from the next.
const SyncByte = 0x00

// IsEndOfFrame reports whether b terminates a COBS frame.
func IsEndOfFrame(b byte) bool {
	return b == SyncByte
}

// FrameExtent returns the length of buf's leading frame including its
// SYNC delimiter, or -1 when no complete frame is present yet.
func FrameExtent(buf []byte) int {
	for i, b := range buf {
		if IsEndOfFrame(b) {
			return i + 1
		}
	}
	return -1
}

const maxCode = 0xFF

var errZeroCode = errors.New("oflow: zero code byte inside COBS block")
var errTruncatedCode = errors.New("oflow: COBS code byte overruns block")

// cobsEncode appends the COBS encoding of data to dst, without a
// trailing SyncByte delimiter - the caller appends that once the full
// ORBFLOW record (tag, payload, checksum) has been assembled.
func cobsEncode(dst, data []byte) []byte {
	codeIdx := len(dst)
	dst = append(dst, 0)
	code := byte(1)

	for _, b := range data {
		if b == SyncByte {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == maxCode {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// cobsDecode reverses cobsEncode: block is one COBS-encoded run with
// the delimiter already stripped.
func cobsDecode(block []byte) ([]byte, error) {
	out := make([]byte, 0, len(block))
	i := 0
	for i < len(block) {
		code := int(block[i])
		if code == 0 {
			return nil, errZeroCode
		}
		i++
		end := i + code - 1
		if end > len(block) {
			return nil, errTruncatedCode
		}
		out = append(out, block[i:end]...)
		i = end
		if code < maxCode && i < len(block) {
			out = append(out, 0)
		}
	}
	return out, nil
}
