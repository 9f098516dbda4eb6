// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package v2

import "github.com/prometheus/client_golang/prometheus"

var (
	JoinProbeTupleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hj",
			Subsystem: "join",
			Name:      "probe_tuple_total",
			Help:      "Total number of probe tuples probed against a hash index.",
		}, []string{"job"})

	JoinRecordCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hj",
			Subsystem: "join",
			Name:      "record_total",
			Help:      "Total number of joined records emitted.",
		}, []string{"job"})

	JoinNonMatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hj",
			Subsystem: "join",
			Name:      "non_match_total",
			Help:      "Total number of probe tuples without any match in a complete index.",
		}, []string{"job"})

	JoinGenerationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hj",
			Subsystem: "join",
			Name:      "generation_total",
			Help:      "Total number of build-and-probe generations run.",
		}, []string{"job"})

	JoinBuildDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hj",
			Subsystem: "join",
			Name:      "build_duration_seconds",
			Help:      "Bucketed histogram of hash index build duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		}, []string{"job"})
)

var (
	spillTupleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hj",
			Subsystem: "spill",
			Name:      "tuple_total",
			Help:      "Total number of tuples written to overflow partitions.",
		}, []string{"job", "kind"})

	SpillPartitionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hj",
			Subsystem: "spill",
			Name:      "partition_total",
			Help:      "Total number of overflow partitions created.",
		}, []string{"job"})
)

var (
	JoinRemainderFilterBytesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hj",
			Subsystem: "join",
			Name:      "remainder_filter_bytes",
			Help:      "Size of the filter over build keys not indexed in the current generation.",
		}, []string{"job"})
)

var (
	StreamRejectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hj",
			Subsystem: "stream",
			Name:      "reject_total",
			Help:      "Total number of admissions rejected by a full stream buffer.",
		}, []string{"job"})

	StreamBufferSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hj",
			Subsystem: "stream",
			Name:      "buffer_size",
			Help:      "Number of tuples currently held by the stream buffer.",
		}, []string{"job"})
)

var (
	SinkRecordCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hj",
			Subsystem: "sink",
			Name:      "record_total",
			Help:      "Total number of records handed to a sink, by outcome.",
		}, []string{"job", "result"})
)

// SpillCarryCounter counts unresolved tuples deferred to the next generation.
func SpillCarryCounter(job string) prometheus.Counter {
	return spillTupleCounter.WithLabelValues(job, "carry")
}

// SpillShedCounter counts tuples shed by a full buffer in reject mode.
func SpillShedCounter(job string) prometheus.Counter {
	return spillTupleCounter.WithLabelValues(job, "shed")
}

func initJoinMetrics() {
	registry.MustRegister(JoinProbeTupleCounter)
	registry.MustRegister(JoinRecordCounter)
	registry.MustRegister(JoinNonMatchCounter)
	registry.MustRegister(JoinGenerationCounter)
	registry.MustRegister(JoinBuildDurationHistogram)
	registry.MustRegister(JoinRemainderFilterBytesGauge)

	registry.MustRegister(spillTupleCounter)
	registry.MustRegister(SpillPartitionCounter)

	registry.MustRegister(StreamRejectCounter)
	registry.MustRegister(StreamBufferSizeGauge)

	registry.MustRegister(SinkRecordCounter)
}
