// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the prometheus collectors of the join engine.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Label names used by the collectors below.
const (
	LblTable = "table"
	LblOp    = "op"
	LblPhase = "phase"
	LblDir   = "direction"
)

var (
	// RowsRepartitioned counts rows received from the shuffle, per table.
	RowsRepartitioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshjoin",
			Subsystem: "shuffle",
			Name:      "rows_repartitioned",
			Help:      "counter for rows owned by this rank after repartitioning",
		}, []string{LblTable})
	// CollectiveSeconds tracks wall time spent inside each collective kind.
	CollectiveSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshjoin",
			Subsystem: "exchange",
			Name:      "collective_duration_time",
			Help:      "Bucketed histogram of collective call time (s)",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 20),
		}, []string{LblOp})
	// PayloadBytes counts bytes moved over the network transport.
	PayloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshjoin",
			Subsystem: "exchange",
			Name:      "payload_bytes",
			Help:      "counter for collective payload bytes on the wire",
		}, []string{LblDir})
	// JoinPhaseSeconds tracks wall time of the local join phases.
	JoinPhaseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshjoin",
			Subsystem: "join",
			Name:      "phase_duration_time",
			Help:      "Bucketed histogram of local join phase time (s)",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 20),
		}, []string{LblPhase})
	// OutputRows counts rows emitted by the local join.
	OutputRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshjoin",
			Subsystem: "join",
			Name:      "output_rows",
			Help:      "counter for join result rows emitted by this rank",
		}, []string{})
	// ErrorCount counts fatal errors by kind.
	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshjoin",
			Subsystem: "join",
			Name:      "error_count",
			Help:      "Total error count during join invocations",
		}, []string{LblOp})
)

// RegisterMetrics registers metrics with the given registry.
func RegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(RowsRepartitioned)
	registry.MustRegister(CollectiveSeconds)
	registry.MustRegister(PayloadBytes)
	registry.MustRegister(JoinPhaseSeconds)
	registry.MustRegister(OutputRows)
	registry.MustRegister(ErrorCount)
}

// ReadCounter reports the current value of the counter.
func ReadCounter(counter prometheus.Counter) float64 {
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		return math.NaN()
	}
	return metric.Counter.GetValue()
}
