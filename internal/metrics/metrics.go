package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the analyzer pipeline.
type Metrics struct {
	eventsIngested     prometheus.Counter
	invalidEvents      prometheus.Counter
	rulesEvaluated     prometheus.Counter
	ruleEvalPanics     prometheus.Counter
	findingsGenerated  prometheus.Counter
	findingsSuppressed prometheus.Counter
	reanalyzeRequests  prometheus.Counter
	rulesLoaded        prometheus.Gauge
	ruleOverrides      prometheus.Gauge
	sessionsTracked    prometheus.Gauge
}

// NewMetrics registers the analyzer metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_events_ingested_total",
			Help: "Number of telemetry events accepted into session logs",
		}),
		invalidEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_invalid_events_total",
			Help: "Number of telemetry events dropped as malformed",
		}),
		rulesEvaluated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_rules_evaluated_total",
			Help: "Number of rule evaluations performed",
		}),
		ruleEvalPanics: promauto.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_rule_eval_panics_total",
			Help: "Number of rule evaluations recovered from a panic",
		}),
		findingsGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_findings_generated_total",
			Help: "Number of findings produced by rule evaluation",
		}),
		findingsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_findings_suppressed_total",
			Help: "Number of findings dropped because the rule already fired for the session",
		}),
		reanalyzeRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_reanalyze_requests_total",
			Help: "Number of on-demand reanalyze requests",
		}),
		rulesLoaded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_rules_loaded",
			Help: "Number of rules in the current snapshot",
		}),
		ruleOverrides: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_rule_overrides",
			Help: "Number of tenant rule overrides in effect",
		}),
		sessionsTracked: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_sessions_tracked",
			Help: "Number of sessions currently held in the memory store",
		}),
	}
}

func (m *Metrics) IncEventsIngested()     { m.eventsIngested.Inc() }
func (m *Metrics) IncInvalidEvents()      { m.invalidEvents.Inc() }
func (m *Metrics) IncRulesEvaluated()     { m.rulesEvaluated.Inc() }
func (m *Metrics) IncRuleEvalPanics()     { m.ruleEvalPanics.Inc() }
func (m *Metrics) IncFindingsGenerated()  { m.findingsGenerated.Inc() }
func (m *Metrics) IncFindingsSuppressed() { m.findingsSuppressed.Inc() }
func (m *Metrics) IncReanalyzeRequests()  { m.reanalyzeRequests.Inc() }

func (m *Metrics) SetRulesLoaded(count float64)     { m.rulesLoaded.Set(count) }
func (m *Metrics) SetRuleOverrides(count float64)   { m.ruleOverrides.Set(count) }
func (m *Metrics) SetSessionsTracked(count float64) { m.sessionsTracked.Set(count) }
