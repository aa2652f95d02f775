// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_gateway_requests_total",
			Help: "Total number of governed requests by terminal status",
		},
		[]string{"status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptgate_gateway_request_duration_milliseconds",
			Help:    "Governed request duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"operation"},
	)
	promGuardrailEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_gateway_guardrail_evaluations_total",
			Help: "Total number of guardrail evaluations by stage",
		},
		[]string{"stage"},
	)
	promBlockedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptgate_gateway_blocked_requests_total",
			Help: "Total number of requests blocked by input guardrails",
		},
	)
	promRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptgate_gateway_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promGuardrailEvaluations)
	prometheus.MustRegister(promBlockedRequests)
	prometheus.MustRegister(promRateLimited)
}
