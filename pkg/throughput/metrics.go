// Copyright 2026 TiKV Project Authors.
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

package throughput

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace          = "throughput_control"
	requestSubsystem   = "request"
	throttlerSubsystem = "throttler"
	groupSubsystem     = "group"

	groupNameLabel = "group"
	containerLabel = "container"
	targetLabel    = "target"
	reasonLabel    = "reason"
)

const (
	failOpenNotReady     = "not-ready"
	failOpenUnknownRange = "unknown-range"
)

var (
	admittedRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: requestSubsystem,
			Name:      "admitted_total",
			Help:      "Counter of requests admitted by the throttlers.",
		}, []string{groupNameLabel, targetLabel})

	delayedRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: requestSubsystem,
			Name:      "delayed_total",
			Help:      "Counter of requests delayed to a later throughput cycle.",
		}, []string{groupNameLabel, targetLabel})

	failOpenRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: requestSubsystem,
			Name:      "fail_open_total",
			Help:      "Counter of requests passed through without throttling.",
		}, []string{groupNameLabel, reasonLabel})

	unmatchedRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: requestSubsystem,
			Name:      "unmatched_total",
			Help:      "Counter of requests no throughput group of the container can handle.",
		}, []string{containerLabel})

	requestDelayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: requestSubsystem,
			Name:      "delay_duration_seconds",
			Help:      "Bucketed histogram of the time delayed requests waited before admission.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms ~ 8s
		}, []string{groupNameLabel})

	consumedRUCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: throttlerSubsystem,
			Name:      "consumed_request_unit_total",
			Help:      "Counter of request units admitted by the throttlers.",
		}, []string{groupNameLabel, targetLabel})

	throttlerBudgetGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: throttlerSubsystem,
			Name:      "budget",
			Help:      "Request units a throttler may admit in the current cycle.",
		}, []string{groupNameLabel, targetLabel})

	groupRenewCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: groupSubsystem,
			Name:      "renew_total",
			Help:      "Counter of throughput usage cycle renewals.",
		}, []string{groupNameLabel})

	groupThrottlerGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: groupSubsystem,
			Name:      "throttlers",
			Help:      "Number of throttlers owned by the request controller of the group.",
		}, []string{groupNameLabel})
)

func init() {
	prometheus.MustRegister(admittedRequestCounter)
	prometheus.MustRegister(delayedRequestCounter)
	prometheus.MustRegister(failOpenRequestCounter)
	prometheus.MustRegister(unmatchedRequestCounter)
	prometheus.MustRegister(requestDelayDuration)
	prometheus.MustRegister(consumedRUCounter)
	prometheus.MustRegister(throttlerBudgetGauge)
	prometheus.MustRegister(groupRenewCounter)
	prometheus.MustRegister(groupThrottlerGauge)
}

type throttlerMetrics struct {
	admittedCounter prometheus.Counter
	delayedCounter  prometheus.Counter
	consumedCounter prometheus.Counter
	delayDuration   prometheus.Observer
	budgetGauge     prometheus.Gauge
}

func newThrottlerMetrics(group, target string) *throttlerMetrics {
	return &throttlerMetrics{
		admittedCounter: admittedRequestCounter.WithLabelValues(group, target),
		delayedCounter:  delayedRequestCounter.WithLabelValues(group, target),
		consumedCounter: consumedRUCounter.WithLabelValues(group, target),
		delayDuration:   requestDelayDuration.WithLabelValues(group),
		budgetGauge:     throttlerBudgetGauge.WithLabelValues(group, target),
	}
}

func deleteThrottlerMetrics(group, target string) {
	admittedRequestCounter.DeleteLabelValues(group, target)
	delayedRequestCounter.DeleteLabelValues(group, target)
	consumedRUCounter.DeleteLabelValues(group, target)
	throttlerBudgetGauge.DeleteLabelValues(group, target)
}

func deleteGroupMetrics(group string) {
	requestDelayDuration.DeleteLabelValues(group)
	groupRenewCounter.DeleteLabelValues(group)
	groupThrottlerGauge.DeleteLabelValues(group)
	failOpenRequestCounter.DeletePartialMatch(prometheus.Labels{groupNameLabel: group})
}
