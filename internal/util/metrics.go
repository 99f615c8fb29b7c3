package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WalletCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_credits_total",
		Help: "Total number of wallet credit operations",
	})

	WalletDebitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_debits_total",
		Help: "Total number of wallet debit operations",
	})

	DebitsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_debits_rejected_total",
		Help: "Total number of rejected debit operations",
	}, []string{"reason"})

	TransfersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_transfers_total",
		Help: "Total number of wallet-to-wallet transfers",
	})

	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Total number of completed order settlements",
	})

	SettlementsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_failed_total",
		Help: "Total number of failed order settlements",
	}, []string{"reason"})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency of order settlement operations",
		Buckets: prometheus.DefBuckets,
	})

	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of refunds issued",
	})

	IdempotencyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_requests_total",
		Help: "Idempotency guard outcomes per request",
	}, []string{"outcome"})

	IdempotencyPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_records_purged_total",
		Help: "Total number of expired idempotency records purged",
	})

	IdempotencyReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_records_reaped_total",
		Help: "Total number of stale in-progress idempotency records failed by the reaper",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
