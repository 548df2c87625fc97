package observability

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	synthdOnce sync.Once
	synthdReg  *SynthdMetrics
)

// SynthdMetrics captures the mint/redeem lifecycle of the synthetic asset.
type SynthdMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	fulfillments *prometheus.CounterVec
	pending      prometheus.Gauge
	portfolio    prometheus.Gauge
	supply       prometheus.Gauge
}

// Synthd returns the singleton metrics registry for the issuance daemon.
func Synthd() *SynthdMetrics {
	synthdOnce.Do(func() {
		synthdReg = &SynthdMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "synth",
				Subsystem: "coordinator",
				Name:      "operations_total",
				Help:      "Count of coordinator operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "synth",
				Subsystem: "coordinator",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for coordinator operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "synth",
				Subsystem: "coordinator",
				Name:      "errors_total",
				Help:      "Count of coordinator failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			fulfillments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "synth",
				Subsystem: "oracle",
				Name:      "fulfillments_total",
				Help:      "Oracle callbacks processed segmented by request kind and result.",
			}, []string{"kind", "result"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "synth",
				Subsystem: "oracle",
				Name:      "pending_requests",
				Help:      "Oracle requests awaiting fulfillment.",
			}),
			portfolio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "synth",
				Subsystem: "collateral",
				Name:      "portfolio_balance",
				Help:      "Last oracle-reported portfolio value in quote units.",
			}),
			supply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "synth",
				Subsystem: "token",
				Name:      "total_supply",
				Help:      "Synthetic token supply in whole units.",
			}),
		}
		prometheus.MustRegister(
			synthdReg.requests,
			synthdReg.latency,
			synthdReg.errors,
			synthdReg.fulfillments,
			synthdReg.pending,
			synthdReg.portfolio,
			synthdReg.supply,
		)
	})
	return synthdReg
}

// Observe records the execution of a coordinator operation. The error reason
// label uses the innermost wrapped error so sentinel messages stay bounded.
func (m *SynthdMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, reason(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordFulfillment counts a processed oracle callback.
func (m *SynthdMetrics) RecordFulfillment(kind, result string) {
	if m == nil {
		return
	}
	m.fulfillments.WithLabelValues(kind, result).Inc()
}

// SetPending reports the number of outstanding oracle requests.
func (m *SynthdMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetPortfolio reports the last observed portfolio balance from an 18-decimal
// integer.
func (m *SynthdMetrics) SetPortfolio(value *big.Int) {
	if m == nil {
		return
	}
	m.portfolio.Set(scaled(value))
}

// SetSupply reports the token supply from an 18-decimal integer.
func (m *SynthdMetrics) SetSupply(value *big.Int) {
	if m == nil {
		return
	}
	m.supply.Set(scaled(value))
}

var unit = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

func scaled(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(value), unit).Float64()
	return f
}

func reason(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown"
	}
	return msg
}
