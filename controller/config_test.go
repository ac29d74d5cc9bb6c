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

package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracedemux/tracedemux/demux"
)

func TestOptionsDefaults(t *testing.T) {
	var o Options
	require.NoError(t, o.Validate())

	assert.Equal(t, DefaultListenPort, o.ListenPort)
	assert.Equal(t, demux.FramingNone, o.Framing())
	assert.Equal(t, "usb", o.SourceConfig().Kind)
	assert.Empty(t, o.Channels())
}

func TestOptionsSourceExclusion(t *testing.T) {
	cases := []Options{
		{File: "in.bin", SerialPort: "/dev/ttyUSB0"},
		{File: "in.bin", Server: "localhost:2332"},
		{SerialPort: "/dev/ttyUSB0", Server: "localhost"},
	}
	for _, o := range cases {
		assert.Error(t, o.Validate(), "%+v", o)
	}
}

func TestOptionsTPIUChannels(t *testing.T) {
	o := Options{TPIUChannels: "1, 2,127"}
	require.NoError(t, o.Validate())

	assert.Equal(t, demux.FramingTPIU, o.Framing())
	assert.Equal(t, []byte{1, 2, 127}, o.Channels())
}

func TestOptionsChannelListRejectsBadEntries(t *testing.T) {
	for _, list := range []string{"0", "128", "x", "1,,2", "3,3"} {
		o := Options{TPIUChannels: list}
		assert.Error(t, o.Validate(), "list %q", list)
	}
}

func TestOptionsOFlowChannels(t *testing.T) {
	o := Options{OFlowChannels: "7"}
	require.NoError(t, o.Validate())

	assert.Equal(t, demux.FramingOFlow, o.Framing())
	assert.Equal(t, []byte{7}, o.Channels())
}

func TestOptionsFramingExclusion(t *testing.T) {
	o := Options{TPIUChannels: "1", OFlowChannels: "7"}
	assert.Error(t, o.Validate())
}

func TestOptionsOrbtraceImpliesTPIU(t *testing.T) {
	o := Options{OrbtraceWidth: 4, SerialPort: "/dev/ttyACM0"}
	require.NoError(t, o.Validate())

	assert.Equal(t, demux.FramingTPIU, o.Framing())
	assert.Equal(t, []byte{1}, o.Channels(), "defaults to channel 1")
	assert.Equal(t, "serial", o.SourceConfig().Kind)
	assert.Equal(t, 4, o.SourceConfig().OrbtraceWidth)
}

func TestOptionsOrbtraceWidthValidation(t *testing.T) {
	o := Options{OrbtraceWidth: 3, SerialPort: "/dev/ttyACM0"}
	assert.Error(t, o.Validate())

	o = Options{OrbtraceWidth: 2}
	assert.Error(t, o.Validate(), "-o without a serial port")
}

func TestOptionsServerAddressDefaults(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"remote", "remote:2332"},
		{"remote:4567", "remote:4567"},
		{":4567", "localhost:4567"},
	}
	for _, tc := range cases {
		o := Options{Server: tc.in}
		require.NoError(t, o.Validate(), tc.in)
		assert.Equal(t, tc.want, o.SourceConfig().Addr, tc.in)
		assert.Equal(t, "tcp", o.SourceConfig().Kind)
	}

	o := Options{Server: "host:bad"}
	assert.Error(t, o.Validate())
}

func TestOptionsFileSource(t *testing.T) {
	o := Options{File: "in.bin", EOFTerminate: true}
	require.NoError(t, o.Validate())

	sc := o.SourceConfig()
	assert.Equal(t, "file", sc.Kind)
	assert.Equal(t, "in.bin", sc.Path)
	assert.True(t, sc.EOFTerminate)
}

func TestOptionsRangeChecks(t *testing.T) {
	o := Options{ListenPort: 70000}
	assert.Error(t, o.Validate())

	o = Options{Verbosity: 4}
	assert.Error(t, o.Validate())

	o = Options{IntervalMs: -1}
	assert.Error(t, o.Validate())
}
