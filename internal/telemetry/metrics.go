// Copyright 2024 The Histlog Authors
// This file is part of Histlog.
//
// Histlog is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Histlog is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Histlog. If not, see <http://www.gnu.org/licenses/>.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics are the relay server's operator-facing counters. They are
// ambient observability (spec.md's "stats computation" non-goal excludes
// client-side usage stats, not server instrumentation — see SPEC_FULL.md).
type RelayMetrics struct {
	RecordsAppended  prometheus.Counter
	RecordsRejected  *prometheus.CounterVec
	QuotaRejections  prometheus.Counter
	AppendDuration   prometheus.Histogram
	DownloadDuration prometheus.Histogram
}

// NewRelayMetrics registers and returns a fresh RelayMetrics set on reg.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		RecordsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "historelay",
			Name:      "records_appended_total",
			Help:      "Number of records successfully appended.",
		}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "historelay",
			Name:      "records_rejected_total",
			Help:      "Number of records rejected, labeled by reason.",
		}, []string{"reason"}),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "historelay",
			Name:      "quota_rejections_total",
			Help:      "Number of appends rejected for exceeding a user quota.",
		}),
		AppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "historelay",
			Name:      "append_duration_seconds",
			Help:      "Latency of POST /records batches.",
			Buckets:   prometheus.DefBuckets,
		}),
		DownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "historelay",
			Name:      "download_duration_seconds",
			Help:      "Latency of GET /records pages.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.RecordsAppended, m.RecordsRejected, m.QuotaRejections, m.AppendDuration, m.DownloadDuration)
	return m
}
