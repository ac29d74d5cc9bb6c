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
	"os"
	"time"

	"github.com/pkg/errors"
)

func init() {
	Register(newFileSource, "file")
}

// fileSource replays a capture file. At EOF it either reports
// StatusEOF or sleeps and retries, depending on eofTerminate.
type fileSource struct {
	path         string
	eofTerminate bool
	f            *os.File
}

func newFileSource(conf *Config) (Source, error) {
	if conf.Path == "" {
		return nil, errors.New("file source requires a path")
	}
	return &fileSource{
		path:         conf.Path,
		eofTerminate: conf.EOFTerminate,
	}, nil
}

func (s *fileSource) Name() string {
	return "file"
}

func (s *fileSource) Open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrapf(err, "open file source (%s)", s.path)
	}
	s.f = f
	return nil
}

func (s *fileSource) Read(buf []byte) (int, Status) {
	for {
		n, err := s.f.Read(buf)
		if n > 0 {
			return n, StatusOK
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if s.eofTerminate {
				return 0, StatusEOF
			}
			time.Sleep(EOFPollInterval)
			return 0, StatusOK
		}
		return 0, StatusTransient
	}
}

func (s *fileSource) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
