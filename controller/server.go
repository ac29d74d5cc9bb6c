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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracedemux/tracedemux/demux"
	"github.com/tracedemux/tracedemux/logger"
)

func (c *Controller) setupServer() {
	if c.svr == nil {
		return
	}

	// Admin Routes
	c.svr.RegisterPostRoute("/-/logger", c.routeLogger)
	c.svr.RegisterPostRoute("/-/resync", c.routeResync)

	// Watch Routes
	c.svr.RegisterGetRoute("/watch", c.routeWatch)

	// Metrics Routes
	c.svr.RegisterGetRoute("/metrics", c.routeMetrics)
	c.svr.RegisterGetRoute("/healthz", c.routeHealthz)
}

func (c *Controller) routeMetrics(w http.ResponseWriter, r *http.Request) {
	c.recordMetrics()
	promhttp.Handler().ServeHTTP(w, r)
}

func (c *Controller) routeHealthz(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"status": "up"}`))
}

func (c *Controller) routeLogger(w http.ResponseWriter, r *http.Request) {
	level := r.FormValue("level")
	logger.SetLoggerLevel(level)
	w.Write([]byte(`{"status": "success"}`))
}

// routeResync has the same effect as SIGHUP: the decoders drop any
// partial frame and re-acquire synchronisation.
func (c *Controller) routeResync(w http.ResponseWriter, r *http.Request) {
	c.proc.Resync()
	w.Write([]byte(`{"status": "success"}`))
}

// routeWatch streams per-channel flush events as text lines, one per
// staging-buffer flush: channel id and byte count, never payload.
func (c *Controller) routeWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	var maxMessage int
	maxMessage, _ = strconv.Atoi(r.URL.Query().Get("max_message"))
	if maxMessage <= 0 {
		maxMessage = 100
	}

	var timeout time.Duration
	timeout, _ = time.ParseDuration(r.URL.Query().Get("timeout"))
	if timeout <= 0 {
		timeout = time.Second * 5
	}

	queue := c.proc.Bus().Subscribe(10)
	defer c.proc.Bus().Unsubscribe(queue)

	for i := 0; i < maxMessage; i++ {
		data, ok := queue.PopTimeout(timeout)
		if !ok {
			return
		}

		ev, ok := data.(demux.FlushEvent)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "channel=%d bytes=%d\n", ev.Channel, ev.Bytes)
		flusher.Flush()
	}
}
