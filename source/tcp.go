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
	"net"
	"time"

	"github.com/pkg/errors"
)

func init() {
	Register(newTCPSource, "tcp")
}

// tcpSource pulls raw trace bytes from a debug server (orbtrace,
// openocd, pyocd and friends expose one). A broken connection is
// reported as StatusTransient; the caller loops back into Open.
type tcpSource struct {
	addr string
	conn net.Conn
}

func newTCPSource(conf *Config) (Source, error) {
	if conf.Addr == "" {
		return nil, errors.New("tcp source requires an address")
	}
	return &tcpSource{addr: conf.Addr}, nil
}

func (s *tcpSource) Name() string {
	return "tcp"
}

func (s *tcpSource) Open() error {
	conn, err := net.DialTimeout("tcp", s.addr, 3*time.Second)
	if err != nil {
		return errors.Wrapf(err, "connect debug server (%s)", s.addr)
	}
	s.conn = conn
	return nil
}

func (s *tcpSource) Read(buf []byte) (int, Status) {
	n, err := s.conn.Read(buf)
	if n > 0 {
		return n, StatusOK
	}
	if err != nil {
		return 0, StatusTransient
	}
	return 0, StatusOK
}

func (s *tcpSource) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
