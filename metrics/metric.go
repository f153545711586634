// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "SugarNetwork"

var (
	Registry = prometheus.NewRegistry()

	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Requests handled by the router.",
		},
		[]string{"method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "Time spent to handle a request.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "subscribers",
			Help:      "Connected event stream subscribers.",
		},
	)

	EventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "volume",
			Name:      "events_total",
			Help:      "Events published on the volume bus.",
		},
		[]string{"event"},
	)

	SyncPacketCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "packets_total",
			Help:      "Sync packets by kind and direction.",
		},
		[]string{"packet", "direction"},
	)

	SyncRecordCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Diff records sent and merged.",
		},
		[]string{"direction"},
	)

	MountState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mount",
			Name:      "state",
			Help:      "Mount state, 0 unmounted, 1 mounting, 2 mounted.",
		},
		[]string{"mountpoint"},
	)

	StatsCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "commit_duration_seconds",
			Help:      "Time spent to flush node statistics.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
)

func init() {
	Registry.MustRegister(
		RequestCounter,
		RequestDuration,
		Subscribers,
		EventCounter,
		SyncPacketCounter,
		SyncRecordCounter,
		MountState,
		StatsCommitDuration,
	)
}

// Handler exposes the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
