package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RewardsMetrics tracks ledger activity: survey lifecycle, claim outcomes and
// disbursement latency.
type RewardsMetrics struct {
	surveysCreated   prometheus.Counter
	claims           *prometheus.CounterVec
	claimLatency     prometheus.Histogram
	transferFailures prometheus.Counter
	custodyBalance   prometheus.Gauge
	webhookFailures  *prometheus.CounterVec
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics

	httpOnce     sync.Once
	httpRegistry *httpMetrics
)

// Rewards returns the lazily-initialised ledger metrics registry.
func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			surveysCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_surveys_created_total",
				Help: "Count of surveys registered in the ledger.",
			}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_claims_total",
				Help: "Count of claim attempts segmented by outcome.",
			}, []string{"outcome"}),
			claimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "rewards_claim_duration_seconds",
				Help:    "Latency distribution of successful reward disbursements.",
				Buckets: prometheus.DefBuckets,
			}),
			transferFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_transfer_failures_total",
				Help: "Count of token transfers that failed and were rolled back.",
			}),
			custodyBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewards_custody_balance",
				Help: "Last observed custody account balance in base token units.",
			}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination.",
			}, []string{"destination"}),
		}
		prometheus.MustRegister(
			rewardsRegistry.surveysCreated,
			rewardsRegistry.claims,
			rewardsRegistry.claimLatency,
			rewardsRegistry.transferFailures,
			rewardsRegistry.custodyBalance,
			rewardsRegistry.webhookFailures,
		)
	})
	return rewardsRegistry
}

// ObserveSurveyCreated increments the survey creation counter.
func (m *RewardsMetrics) ObserveSurveyCreated() {
	if m == nil {
		return
	}
	m.surveysCreated.Inc()
}

// ObserveClaim records a claim attempt with its outcome label and, for
// successful claims, the end-to-end disbursement latency.
func (m *RewardsMetrics) ObserveClaim(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.claims.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.claimLatency.Observe(duration.Seconds())
	}
}

// ObserveTransferFailure counts a rolled-back disbursement.
func (m *RewardsMetrics) ObserveTransferFailure() {
	if m == nil {
		return
	}
	m.transferFailures.Inc()
}

// SetCustodyBalance publishes the most recent custody balance reading. Values
// beyond float64 precision are clamped.
func (m *RewardsMetrics) SetCustodyBalance(balance *big.Int) {
	if m == nil || balance == nil {
		return
	}
	value, _ := new(big.Float).SetInt(balance).Float64()
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return
	}
	m.custodyBalance.Set(value)
}

// ObserveWebhookFailure counts a failed delivery attempt to destination.
func (m *RewardsMetrics) ObserveWebhookFailure(destination string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(destination) == "" {
		destination = "unknown"
	}
	m.webhookFailures.WithLabelValues(destination).Inc()
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the registry tracking gateway request activity.
func HTTP() *httpMetrics {
	httpOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_http_requests_total",
				Help: "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_http_errors_total",
				Help: "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "rewards_http_request_duration_seconds",
				Help:    "Latency distribution for HTTP handlers.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.errors, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records one handled request. Status is the HTTP status ultimately
// written to the response.
func (m *httpMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}
