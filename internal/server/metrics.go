package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taxrag",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	retrievalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taxrag",
		Name:      "retrievals_total",
		Help:      "Retrievals served, by search type and degradation reason.",
	}, []string{"search_type", "degraded_reason"})

	judgmentUpsertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taxrag",
		Name:      "judgment_upserts_total",
		Help:      "Judgments created or replaced through the API.",
	})

	evaluationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taxrag",
		Name:      "evaluation_runs_total",
		Help:      "Evaluation runs recorded, by search type.",
	}, []string{"search_type"})
)
