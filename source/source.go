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

// Package source provides the polymorphic byte source feeding the raw
// block ring: a USB trace probe, a TCP debug-server socket, a serial
// tty or a regular file, selected once at startup.
package source

import (
	"time"

	"github.com/pkg/errors"
)

// Status qualifies the outcome of a Read.
type Status int

const (
	// StatusOK means n bytes were read (n may be zero, e.g. a USB bulk
	// read timing out with no data).
	StatusOK Status = iota

	// StatusEOF means the source has no more data and never will
	// (file source with eofTerminate set).
	StatusEOF

	// StatusTransient means the source failed in a way that a close
	// and reopen may cure. The caller backs off ReopenBackoff first.
	StatusTransient

	// StatusFatal means the source cannot be recovered.
	StatusFatal
)

const (
	// ReopenBackoff is the delay between open/connect attempts.
	ReopenBackoff = 500 * time.Millisecond

	// EOFPollInterval is how long the file source sleeps at EOF when
	// it is configured to keep polling.
	EOFPollInterval = 100 * time.Millisecond
)

// Source is a byte producer. Open establishes the underlying device or
// connection; Read fills buf with the next chunk. Implementations are
// driven from a single goroutine.
type Source interface {
	// Name identifies the source kind for logging.
	Name() string

	// Open establishes the device/connection. It may be called again
	// after a StatusTransient read once Close has been called.
	Open() error

	// Read fills buf and reports how many bytes arrived.
	Read(buf []byte) (int, Status)

	// Close releases the device/connection.
	Close() error
}

// Config selects and parameterizes one source variant.
type Config struct {
	Kind string `config:"kind"`

	// File source
	Path         string `config:"path"`
	EOFTerminate bool   `config:"eofTerminate"`

	// TCP client source
	Addr string `config:"addr"`

	// Serial source. OrbtraceWidth > 0 selects the FPGA-mediated
	// variant, which forces the link to 12 Mbaud and issues the
	// width-select command before the first read.
	Device        string `config:"device"`
	Baud          uint   `config:"baud"`
	OrbtraceWidth int    `config:"orbtraceWidth"`
}

// CreateFunc builds a Source from its Config.
type CreateFunc func(conf *Config) (Source, error)

var sourceFactory = map[string]CreateFunc{}

// Register installs a Source factory under one or more names.
func Register(f CreateFunc, names ...string) {
	for _, name := range names {
		sourceFactory[name] = f
	}
}

// Get looks up a Source factory by name.
func Get(name string) (CreateFunc, error) {
	f, ok := sourceFactory[name]
	if !ok {
		return nil, errors.Errorf("source factory (%s) not found", name)
	}
	return f, nil
}

// New builds the Source selected by conf.Kind. An empty Kind selects
// the USB probe, the default when no input flag is given.
func New(conf *Config) (Source, error) {
	if conf.Kind == "" {
		conf.Kind = "usb"
	}

	f, err := Get(conf.Kind)
	if err != nil {
		return nil, err
	}
	return f(conf)
}
