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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCOBSRoundTripNoZeros(t *testing.T) {
	data := []byte{1, 2, 3, 0xFE, 0xFF, 10, 20}
	enc := cobsEncode(nil, data)
	dec, err := cobsDecode(enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestCOBSRoundTripWithZeros(t *testing.T) {
	data := []byte{0, 1, 0, 0, 2, 3, 0}
	enc := cobsEncode(nil, data)

	for _, b := range enc {
		assert.NotEqual(t, SyncByte, b, "COBS output must never contain the sync byte")
	}

	dec, err := cobsDecode(enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestCOBSRoundTripLongRun(t *testing.T) {
	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i%255 + 1) // nonzero, exercises the 254-byte block boundary
	}
	enc := cobsEncode(nil, data)
	dec, err := cobsDecode(enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestCOBSRoundTripEmpty(t *testing.T) {
	enc := cobsEncode(nil, nil)
	dec, err := cobsDecode(enc)
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestCOBSRoundTripAllLengths(t *testing.T) {
	for n := 0; n <= 300; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte((i * 37) % 256)
		}
		enc := cobsEncode(nil, data)
		for _, b := range enc {
			require.NotEqual(t, SyncByte, b, "length %d: sync byte leaked into encoded output", n)
		}
		dec, err := cobsDecode(enc)
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, data, dec, "length %d", n)
	}
}

func TestIsEndOfFrame(t *testing.T) {
	assert.True(t, IsEndOfFrame(SyncByte))
	assert.False(t, IsEndOfFrame(0x01))
	assert.False(t, IsEndOfFrame(0xFF))
}

func TestFrameExtent(t *testing.T) {
	assert.Equal(t, 4, FrameExtent([]byte{0x03, 0x41, 0x42, SyncByte, 0x99}))
	assert.Equal(t, 1, FrameExtent([]byte{SyncByte}))
	assert.Equal(t, -1, FrameExtent([]byte{0x01, 0x02}))
	assert.Equal(t, -1, FrameExtent(nil))
}
