// Package telemetry holds the prometheus collectors of the auth core.
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notary"

// Refresh outcomes.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultNetwork  = "network"
	ResultAborted  = "aborted"
)

type Metrics struct {
	RefreshAttempts   *prometheus.CounterVec
	RefreshWaiters    prometheus.Counter
	RetriedRequests   prometheus.Counter
	ProactiveRefresh  prometheus.Counter
	StateTransitions  *prometheus.CounterVec
	ChallengeThrottle prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use for isolation.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RefreshAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "refresh_total",
			Help:      "Token refresh calls by result.",
		}, []string{"result"}),
		RefreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "refresh_waiters_total",
			Help:      "Requests that joined an in-flight refresh instead of starting one.",
		}),
		RetriedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "retried_requests_total",
			Help:      "Authenticated requests retried after an authorization failure.",
		}),
		ProactiveRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "proactive_refresh_total",
			Help:      "Refreshes started because the access token was about to expire.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Auth state machine transitions by target state.",
		}, []string{"state"}),
		ChallengeThrottle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "challenge_throttled_total",
			Help:      "Challenge requests rejected by the client-side limiter.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Discard returns unregistered collectors.
func Discard() *Metrics {
	m, _ := NewMetrics(nil)
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RefreshAttempts,
		m.RefreshWaiters,
		m.RetriedRequests,
		m.ProactiveRefresh,
		m.StateTransitions,
		m.ChallengeThrottle,
	}
}
