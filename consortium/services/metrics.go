package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsCreatedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consortium_access_requests_created", Help: "Access requests created",
	})
	transitionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consortium_request_transitions", Help: "Access request status transitions",
	}, []string{"to"})
	fulfillmentsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consortium_fulfillments", Help: "Fulfillment attempts by outcome",
	}, []string{"outcome"})
	scansMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consortium_catalog_scans", Help: "Catalog sync runs by outcome",
	}, []string{"outcome"})
	scanDurationMetric = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "consortium_catalog_scan_seconds", Help: "Catalog sync run duration",
	})
	reconcileSweepMetric = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "consortium_reconcile_sweep_requests", Help: "Requests examined per reconciliation sweep",
	})
)

const (
	outcomeSuccess = "success"
	outcomePartial = "partial"
	outcomeFailure = "failure"
)
