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

// Package controller assembles the pipeline: byte source, raw block
// ring, distribution processor, per-channel subscriber registries,
// interval reporter and admin server, and runs it to shutdown.
package controller

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/tracedemux/tracedemux/common"
	"github.com/tracedemux/tracedemux/confengine"
	"github.com/tracedemux/tracedemux/demux"
	"github.com/tracedemux/tracedemux/internal/rescue"
	"github.com/tracedemux/tracedemux/internal/sigs"
	"github.com/tracedemux/tracedemux/logger"
	"github.com/tracedemux/tracedemux/registry"
	"github.com/tracedemux/tracedemux/report"
	"github.com/tracedemux/tracedemux/ring"
	"github.com/tracedemux/tracedemux/server"
	"github.com/tracedemux/tracedemux/source"
)

// Setup failures that map to their own process exit codes.
var (
	ErrSerialSetup = errors.New("serial source setup failed")
	ErrFileOpen    = errors.New("file source open failed")
)

// Controller owns the pipeline's shared state and hands it to each
// component by reference; there are no package-level mutable globals.
type Controller struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts      *Options
	buildInfo common.BuildInfo

	rb         *ring.Ring
	src        source.Source
	proc       *demux.Processor
	registries []*registry.Registry
	svr        *server.Server
	reporter   *report.Reporter

	started atomic.Bool
	ending  atomic.Bool
}

func setupLogger(conf *confengine.Config, verbosity int) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}

	// An interactive demultiplexer logs to the terminal by default;
	// file rotation only engages when a filename is configured.
	if opts.Filename == "" {
		opts.Stdout = true
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}

	// -v overrides any configured level.
	levels := []string{"error", "warn", "info", "debug"}
	opts.Level = levels[verbosity]

	logger.SetOptions(opts)
	return nil
}

// New validates nothing itself: opts must already have passed
// Validate. conf supplies the ambient sections (logger, server).
func New(opts *Options, conf *confengine.Config, buildInfo common.BuildInfo) (*Controller, error) {
	if err := setupLogger(conf, opts.Verbosity); err != nil {
		return nil, err
	}

	src, err := source.New(opts.SourceConfig())
	if err != nil {
		return nil, err
	}

	svr, err := server.New(conf)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		buildInfo: buildInfo,
		rb:        ring.New(common.RingSlots, common.RawBlockSize),
		src:       src,
		svr:       svr,
	}

	if err := c.setupRegistries(); err != nil {
		cancel()
		return nil, err
	}

	if opts.IntervalMs > 0 {
		interval := time.Duration(opts.IntervalMs) * time.Millisecond
		c.reporter = report.New(interval, uint64(opts.SerialSpeed), c.snapshot, os.Stdout)
	}
	return c, nil
}

// setupRegistries opens one subscriber listener per configured channel
// at ListenPort+index, or a single pass-through listener at ListenPort
// when no framing is stripped. Failure to open any listener is fatal.
func (c *Controller) setupRegistries() error {
	if c.opts.Framing() == demux.FramingNone {
		r, err := registry.New("raw", listenAddr(c.opts.ListenPort), common.SubscriberQueueBytes)
		if err != nil {
			return err
		}
		c.registries = append(c.registries, r)
		c.proc = demux.New(c.rb, demux.FramingNone, nil, r)
		return nil
	}

	var handlers []*demux.Handler
	for i, ch := range c.opts.Channels() {
		name := fmt.Sprintf("channel %d", ch)
		r, err := registry.New(name, listenAddr(c.opts.ListenPort+i), common.SubscriberQueueBytes)
		if err != nil {
			c.closeRegistries()
			return err
		}
		c.registries = append(c.registries, r)
		handlers = append(handlers, demux.NewHandler(ch, common.RawBlockSize, r))
	}
	c.proc = demux.New(c.rb, c.opts.Framing(), handlers, nil)
	return nil
}

func listenAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

// Start launches the processor, reporter, resync watcher and admin
// server. The source itself runs on the caller's goroutine via
// RunSource.
func (c *Controller) Start() error {
	c.started.Store(true)
	c.setupServer()

	go c.proc.Run()
	go c.loopResync()

	if c.svr != nil {
		go func() {
			defer rescue.HandleCrash()
			if err := c.svr.ListenAndServe(); err != nil && !errors.Is(err, io.EOF) {
				logger.Errorf("failed to start admin server: %v", err)
			}
		}()
	}

	if c.reporter != nil {
		c.reporter.Start()
	}
	return nil
}

// loopResync turns SIGHUP into a decoder resync request.
func (c *Controller) loopResync() {
	defer rescue.HandleCrash()

	ch := sigs.Resync()
	for {
		select {
		case <-ch:
			c.proc.Resync()

		case <-c.ctx.Done():
			return
		}
	}
}

// RunSource is the ingest loop: open the source (retrying transient
// failures), read chunks and publish them into the ring until EOF or
// shutdown. It blocks; run it on the main goroutine.
func (c *Controller) RunSource() error {
	if err := c.openSource(); err != nil || c.ending.Load() {
		return err
	}

	buf := make([]byte, common.RawBlockSize)
	for !c.ending.Load() {
		n, status := c.src.Read(buf)

		switch status {
		case source.StatusOK:
			if n == 0 {
				continue
			}
			blk := c.rb.Acquire()
			blk.Reset()
			blk.Write(buf[:n])
			c.rb.Publish()

		case source.StatusEOF:
			logger.Infof("%s source reached end of input", c.src.Name())
			return nil

		case source.StatusTransient:
			logger.Warnf("%s source read failed, reopening", c.src.Name())
			c.src.Close()
			if !c.reopenSource() {
				return nil
			}

		case source.StatusFatal:
			return errors.Errorf("%s source failed fatally", c.src.Name())
		}
	}
	return nil
}

// openSource performs the initial open. File and serial failures are
// configuration-grade errors mapped to their historical exit codes;
// TCP and USB sources retry until the peer appears.
func (c *Controller) openSource() error {
	err := c.src.Open()
	if err == nil {
		return nil
	}

	switch c.src.Name() {
	case "file":
		return errors.Wrap(ErrFileOpen, err.Error())
	case "serial", "orbtrace":
		return errors.Wrap(ErrSerialSetup, err.Error())
	}

	logger.Warnf("%s source not available, retrying: %v", c.src.Name(), err)
	if !c.reopenSource() {
		return nil
	}
	return nil
}

// reopenSource retries the open every ReopenBackoff until it succeeds
// or shutdown begins, warning once per attempt cycle.
func (c *Controller) reopenSource() bool {
	for !c.ending.Load() {
		time.Sleep(source.ReopenBackoff)
		if c.ending.Load() {
			return false
		}

		err := c.src.Open()
		if err == nil {
			logger.Infof("%s source connected", c.src.Name())
			return true
		}
		logger.Warnf("%s source not available, retrying: %v", c.src.Name(), err)
	}
	return false
}

// snapshot collects one reporting window's statistics for the
// Interval Reporter.
func (c *Controller) snapshot() report.Snapshot {
	subs := 0
	for _, r := range c.registries {
		subs += r.Subscribers()
	}
	return report.Snapshot{
		IntervalBytes: c.proc.IntervalBytes(),
		DroppedBlocks: c.rb.Dropped(),
		TPIUActive:    c.opts.Framing() == demux.FramingTPIU,
		TPIU:          c.proc.TPIUStats(),
		OFlowErrors:   c.proc.OFlowErrors(),
		Subscribers:   subs,
	}
}

// Stop shuts the pipeline down: stop ingesting, drain the ring, then
// release the network side.
func (c *Controller) Stop() {
	if !c.ending.CompareAndSwap(false, true) {
		return
	}

	c.src.Close()
	c.rb.Close()

	if c.started.Load() {
		select {
		case <-c.proc.Done():
		case <-time.After(3 * time.Second):
			logger.Warnf("processor did not drain in time")
		}
	}

	if c.reporter != nil {
		c.reporter.Stop()
	}
	for _, r := range c.registries {
		if err := r.Close(); err != nil {
			logger.Warnf("closing subscriber registry: %v", err)
		}
	}
	if c.svr != nil {
		c.svr.Close()
	}
	c.cancel()
}

func (c *Controller) closeRegistries() {
	for _, r := range c.registries {
		r.Close()
	}
	c.registries = nil
}
