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
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tracedemux/tracedemux/demux"
	"github.com/tracedemux/tracedemux/source"
)

const (
	// DefaultListenPort is the base port subscribers connect to.
	DefaultListenPort = 3443

	// DefaultServerPort is the debug-server port assumed when -s gives
	// only a host.
	DefaultServerPort = 2332

	// DefaultServerHost is assumed when -s gives only a port.
	DefaultServerHost = "localhost"
)

// Options is the validated command-line configuration. Field names
// follow the flags in the help text, not the internal components.
type Options struct {
	SerialSpeed   uint   // -a
	EOFTerminate  bool   // -e
	File          string // -f
	ListenPort    int    // -l
	IntervalMs    int    // -m
	OrbtraceWidth int    // -o, implies TPIU
	SerialPort    string // -p
	Server        string // -s
	TPIUChannels  string // -t
	OFlowChannels string // --oflow
	Verbosity     int    // -v

	// Derived during Validate.
	framing  demux.Framing
	channels []byte
	srcConf  source.Config
}

// Framing returns the framing mode selected by the options.
func (o *Options) Framing() demux.Framing {
	return o.framing
}

// Channels returns the configured channel list in flag order.
func (o *Options) Channels() []byte {
	return o.channels
}

// SourceConfig returns the source selection derived from the options.
func (o *Options) SourceConfig() *source.Config {
	return &o.srcConf
}

// Validate checks flag consistency and derives the framing mode,
// channel list and source selection. It must be called once before the
// Options are handed to New.
func (o *Options) Validate() error {
	if o.ListenPort == 0 {
		o.ListenPort = DefaultListenPort
	}
	if o.ListenPort < 1 || o.ListenPort > 65535 {
		return errors.Errorf("listen port %d out of range", o.ListenPort)
	}
	if o.Verbosity < 0 || o.Verbosity > 3 {
		return errors.Errorf("verbosity %d out of range 0..3", o.Verbosity)
	}
	if o.IntervalMs < 0 {
		return errors.Errorf("interval %d must not be negative", o.IntervalMs)
	}

	if err := o.validateSource(); err != nil {
		return err
	}
	return o.validateFraming()
}

func (o *Options) validateSource() error {
	given := 0
	for _, s := range []string{o.File, o.SerialPort, o.Server} {
		if s != "" {
			given++
		}
	}
	if given > 1 {
		return errors.New("at most one of -f, -p, -s may be given")
	}

	if o.OrbtraceWidth != 0 {
		if o.OrbtraceWidth != 1 && o.OrbtraceWidth != 2 && o.OrbtraceWidth != 4 {
			return errors.Errorf("orbtrace width %d must be 1, 2 or 4", o.OrbtraceWidth)
		}
		if o.SerialPort == "" {
			return errors.New("-o applies only to a serial (FPGA) source; give -p too")
		}
	}

	switch {
	case o.File != "":
		o.srcConf = source.Config{
			Kind:         "file",
			Path:         o.File,
			EOFTerminate: o.EOFTerminate,
		}
	case o.SerialPort != "":
		o.srcConf = source.Config{
			Kind:          "serial",
			Device:        o.SerialPort,
			Baud:          o.SerialSpeed,
			OrbtraceWidth: o.OrbtraceWidth,
		}
	case o.Server != "":
		addr, err := normalizeServerAddr(o.Server)
		if err != nil {
			return err
		}
		o.srcConf = source.Config{Kind: "tcp", Addr: addr}
	default:
		o.srcConf = source.Config{Kind: "usb"}
	}
	return nil
}

func (o *Options) validateFraming() error {
	if o.TPIUChannels != "" && o.OFlowChannels != "" {
		return errors.New("-t and --oflow are mutually exclusive")
	}

	// Orbtrace probes always emit TPIU framing.
	if o.OrbtraceWidth != 0 && o.TPIUChannels == "" {
		o.TPIUChannels = "1"
	}

	switch {
	case o.TPIUChannels != "":
		o.framing = demux.FramingTPIU
		chans, err := parseChannelList(o.TPIUChannels)
		if err != nil {
			return err
		}
		o.channels = chans
	case o.OFlowChannels != "":
		o.framing = demux.FramingOFlow
		chans, err := parseChannelList(o.OFlowChannels)
		if err != nil {
			return err
		}
		o.channels = chans
	default:
		o.framing = demux.FramingNone
	}
	return nil
}

// parseChannelList parses a comma-separated decimal channel list, each
// channel in 1..127, preserving flag order.
func parseChannelList(list string) ([]byte, error) {
	var chans []byte
	seen := make(map[byte]bool)

	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Errorf("illegal channel (%s) in channel list", field)
		}
		if n < 1 || n > 127 {
			return nil, errors.Errorf("channel %d out of range 1..127", n)
		}
		ch := byte(n)
		if seen[ch] {
			return nil, errors.Errorf("channel %d listed twice", n)
		}
		seen[ch] = true
		chans = append(chans, ch)
	}
	return chans, nil
}

// normalizeServerAddr fills in the default host and port for the -s
// flag: "remote", "remote:4567" and ":4567" are all accepted.
func normalizeServerAddr(s string) (string, error) {
	host, port := s, strconv.Itoa(DefaultServerPort)
	if strings.Contains(s, ":") {
		var err error
		host, port, err = net.SplitHostPort(s)
		if err != nil {
			return "", errors.Wrapf(err, "bad server address (%s)", s)
		}
	}
	if host == "" {
		host = DefaultServerHost
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", errors.Errorf("bad server port (%s)", port)
	}
	return net.JoinHostPort(host, port), nil
}
