package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mandateDelegationsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mandate_delegations_total",
		Help: "Total number of delegations by status.",
	}, []string{"status"})

	mandateRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandate_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	mandateRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mandate_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	mandateTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandate_transactions_total",
		Help: "Total transaction attempts by outcome.",
	}, []string{"outcome"})

	mandateRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandate_transaction_rejections_total",
		Help: "Total rejected transactions by reason.",
	}, []string{"reason"})

	mandateLedgerEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mandate_ledger_events_total",
		Help: "Total ledger events appended.",
	})

	mandateLiquidationStagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandate_liquidation_stages_total",
		Help: "Total liquidation stage entries by stage and trigger.",
	}, []string{"stage", "trigger"})

	mandateScoreUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mandate_score_updates_total",
		Help: "Total credit score recomputations committed.",
	})

	mandateInsurancePoolBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mandate_insurance_pool_balance",
		Help: "Current insurance pool balance.",
	})

	mandateWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandate_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})

	mandateOracleStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mandate_oracle_stale_total",
		Help: "Total operations refused on stale oracle data.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		mandateRequestsTotal.WithLabelValues(method, path, status).Inc()
		mandateRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordTransaction records a transaction attempt. outcome is "success" or a
// rejection reason; rejections also carry a reason label.
func RecordTransaction(outcome string) {
	if outcome == "success" {
		mandateTransactionsTotal.WithLabelValues("executed").Inc()
		return
	}
	mandateTransactionsTotal.WithLabelValues("rejected").Inc()
	mandateRejectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordLedgerAppend records a ledger event append.
func RecordLedgerAppend() {
	mandateLedgerEventsTotal.Inc()
}

// RecordLiquidationStage records entry into a liquidation stage.
func RecordLiquidationStage(stage int, trigger string) {
	mandateLiquidationStagesTotal.WithLabelValues(strconv.Itoa(stage), trigger).Inc()
}

// RecordScoreUpdate records a committed score recomputation.
func RecordScoreUpdate() {
	mandateScoreUpdatesTotal.Inc()
}

// SetInsurancePoolBalance sets the pool balance gauge.
func SetInsurancePoolBalance(balance float64) {
	mandateInsurancePoolBalance.Set(balance)
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		mandateWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		mandateWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordOracleStale records an operation refused on stale oracle data.
func RecordOracleStale() {
	mandateOracleStaleTotal.Inc()
}

// SetDelegationsGauge sets the delegation count gauge for a given status.
func SetDelegationsGauge(status string, count float64) {
	mandateDelegationsTotal.WithLabelValues(status).Set(count)
}
