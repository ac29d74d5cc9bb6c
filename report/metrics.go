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

package report

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tracedemux/tracedemux/common"
)

var (
	receiveRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "receive_rate_bps",
			Help:      "Source ingest rate over the last reporting window in bits/sec",
		},
	)

	tpiuTotalFrames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "tpiu_frames_total",
			Help:      "TPIU frames decoded",
		},
	)

	tpiuLostFrames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "tpiu_lost_frames_total",
			Help:      "TPIU frames discarded by resync or malformed decode",
		},
	)

	tpiuPendingBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "tpiu_pending_bytes",
			Help:      "Bytes buffered in the TPIU decoder's partial frame",
		},
	)

	oflowDecodeErrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "oflow_decode_errors_total",
			Help:      "ORBFLOW records dropped for COBS or checksum failures",
		},
	)

	attachedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "subscribers",
			Help:      "Currently attached TCP subscribers across all channels",
		},
	)
)

func recordMetrics(s Snapshot, interval time.Duration) {
	receiveRate.Set(float64(bitsPerSec(s.IntervalBytes, interval)))
	oflowDecodeErrors.Set(float64(s.OFlowErrors))
	attachedSubscribers.Set(float64(s.Subscribers))

	if s.TPIUActive {
		tpiuTotalFrames.Set(float64(s.TPIU.TotalFrames))
		tpiuLostFrames.Set(float64(s.TPIU.LostFrames))
		tpiuPendingBytes.Set(float64(s.TPIU.PendingCount))
	}
}
