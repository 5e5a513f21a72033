// Package metrics collects run counters for mailtriage. The CLI is a batch job, so the
// registry is written to a node_exporter textfile at the end of a run instead of served.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// Metrics holds the mailtriage collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	MessagesIngested prometheus.Counter
	RulesMatched     *prometheus.CounterVec
	Actions          *prometheus.CounterVec
	GatewayRequests  *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		MessagesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailtriage_messages_ingested_total",
			Help: "Messages fetched from Gmail and stored locally",
		}),
		RulesMatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_rules_matched_total",
			Help: "Rule matches by rule name",
		}, []string{"rule"}),
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_actions_total",
			Help: "Executed actions by type and result",
		}, []string{"type", "result"}),
		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtriage_gmail_requests_total",
			Help: "Gmail API requests by operation and result",
		}, []string{"op", "result"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailtriage_run_duration_seconds",
			Help:    "Duration of fetch and process runs",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) MessageIngested() {
	if m == nil {
		return
	}
	m.MessagesIngested.Inc()
}

func (m *Metrics) RuleMatched(rule string) {
	if m == nil {
		return
	}
	m.RulesMatched.WithLabelValues(rule).Inc()
}

func (m *Metrics) ActionApplied(kind string, err error) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) GatewayCall(op string, err error) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) ObserveRun(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(command).Observe(d.Seconds())
}

// WriteTextfile dumps the registry in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}
