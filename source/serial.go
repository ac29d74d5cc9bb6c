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

package source

import (
	"io"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

func init() {
	Register(newSerialSource, "serial")
}

// orbtraceBaud is the fixed link speed of an FPGA-mediated probe.
const orbtraceBaud = 12_000_000

// serialSource reads a raw 8N1 tty at an arbitrary baud rate,
// including the non-standard rates SWO pins commonly run at.
//
// When orbtraceWidth is set the tty talks to an FPGA probe: the link
// runs at a fixed 12 Mbaud and a 2-byte width-select command is
// written before the first read.
type serialSource struct {
	device string
	baud   uint
	width  int
	port   io.ReadWriteCloser
}

func newSerialSource(conf *Config) (Source, error) {
	if conf.Device == "" {
		return nil, errors.New("serial source requires a device")
	}

	s := &serialSource{
		device: conf.Device,
		baud:   conf.Baud,
		width:  conf.OrbtraceWidth,
	}
	if s.width > 0 {
		s.baud = orbtraceBaud
	}
	if s.baud == 0 {
		return nil, errors.New("serial source requires a baud rate")
	}
	return s, nil
}

func (s *serialSource) Name() string {
	if s.width > 0 {
		return "orbtrace"
	}
	return "serial"
}

func (s *serialSource) Open() error {
	port, err := serial.Open(serial.OpenOptions{
		PortName:        s.device,
		BaudRate:        s.baud,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	})
	if err != nil {
		return errors.Wrapf(err, "open serial port (%s @ %d)", s.device, s.baud)
	}
	s.port = port

	if s.width > 0 {
		if err := s.selectWidth(); err != nil {
			port.Close()
			s.port = nil
			return err
		}
	}
	return nil
}

// selectWidth programs the FPGA's trace-port width: 'w' followed by
// 0xA0 ored with the width code (a 4-bit port is coded as 3).
func (s *serialSource) selectWidth() error {
	w := byte(s.width)
	if s.width == 4 {
		w = 3
	}
	if _, err := s.port.Write([]byte{'w', 0xA0 | w}); err != nil {
		return errors.Wrap(err, "write orbtrace width-select command")
	}
	return nil
}

func (s *serialSource) Read(buf []byte) (int, Status) {
	n, err := s.port.Read(buf)
	if n > 0 {
		return n, StatusOK
	}
	if err != nil {
		return 0, StatusTransient
	}
	return 0, StatusOK
}

func (s *serialSource) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
