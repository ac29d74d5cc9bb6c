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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tracedemux/tracedemux/common"
	"github.com/tracedemux/tracedemux/internal/fasttime"
)

var (
	uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "uptime",
			Help:      "Uptime in seconds",
		},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "git_hash", "build_time"},
	)

	ringDropped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "ring_dropped_blocks_total",
			Help:      "Raw blocks dropped under the ring's drop-oldest policy",
		},
	)

	channelSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "channel_subscribers",
			Help:      "Attached subscribers per channel listener",
		},
		[]string{"channel"},
	)

	channelEvictions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "channel_evicted_subscribers_total",
			Help:      "Subscribers evicted for falling behind, per channel listener",
		},
		[]string{"channel"},
	)
)

func (c *Controller) recordMetrics() {
	uptime.Set(float64(fasttime.UnixTimestamp() - common.Started()))
	buildInfo.WithLabelValues(c.buildInfo.Version, c.buildInfo.GitHash, c.buildInfo.Time).Inc()
	ringDropped.Set(float64(c.rb.Dropped()))

	names := c.channelNames()
	for i, r := range c.registries {
		channelSubscribers.WithLabelValues(names[i]).Set(float64(r.Subscribers()))
		channelEvictions.WithLabelValues(names[i]).Set(float64(r.Evicted()))
	}
}

func (c *Controller) channelNames() []string {
	if len(c.opts.Channels()) == 0 {
		return []string{"raw"}
	}
	names := make([]string, 0, len(c.opts.Channels()))
	for _, ch := range c.opts.Channels() {
		names = append(names, strconv.Itoa(int(ch)))
	}
	return names
}
