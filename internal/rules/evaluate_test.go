package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provisionhq/analyzer/internal/model"
)

func proxyRule(threshold int) Rule {
	return Rule{
		ID:       "network-proxy-blocking",
		Title:    "Proxy is blocking provisioning traffic",
		Severity: "high",
		Category: "network",
		Enabled:  true,
		Conditions: []Condition{
			{Signal: "proxy_error", Source: SourceEventType, EventType: "network_proxy_error", Required: true},
		},
		BaseConfidence: 50,
		ConfidenceFactors: []Factor{
			{Signal: "network_proxy_error", Condition: "count >= 2", Weight: 25},
		},
		ConfidenceThreshold: threshold,
	}
}

func TestEvaluateRule_EndToEnd(t *testing.T) {
	events := []model.Event{
		eventAt(0, "network_proxy_error", map[string]any{"proxyHost": "proxy.corp"}),
		eventAt(time.Minute, "network_proxy_error", nil),
	}

	finding := EvaluateRule(proxyRule(60), events, baseTime.Add(time.Hour))
	require.NotNil(t, finding)

	assert.Equal(t, "network-proxy-blocking", finding.RuleID)
	assert.Equal(t, "Proxy is blocking provisioning traffic", finding.RuleTitle)
	assert.Equal(t, "high", finding.Severity)
	assert.Equal(t, "network", finding.Category)
	assert.Equal(t, 75, finding.ConfidenceScore)
	assert.Equal(t, baseTime.Add(time.Hour), finding.DetectedAt)
	assert.NotEmpty(t, finding.ID)

	assert.True(t, finding.MatchedConditions.Has("proxy_error"))
	fired, ok := finding.MatchedConditions.Get("factor_network_proxy_error")
	require.True(t, ok)
	assert.Equal(t, true, fired)
}

func TestEvaluateRule_RequiredConditionShortCircuits(t *testing.T) {
	rule := proxyRule(0)
	// The required condition comes first; this one would match but must
	// never be reached once the rule is disqualified.
	rule.Conditions = append([]Condition{
		{Signal: "missing", Source: SourceEventType, EventType: "never_emitted", Required: true},
	}, rule.Conditions...)

	events := []model.Event{
		eventAt(0, "network_proxy_error", nil),
		eventAt(time.Second, "network_proxy_error", nil),
	}

	// Base 50 with threshold 0 and a +25 factor would otherwise fire easily.
	assert.Nil(t, EvaluateRule(rule, events, baseTime))
}

func TestEvaluateRule_OptionalConditionFailureIsRecoverable(t *testing.T) {
	rule := proxyRule(60)
	rule.Conditions = append(rule.Conditions, Condition{
		Signal: "optional_miss", Source: SourceEventType, EventType: "never_emitted",
	})

	events := []model.Event{
		eventAt(0, "network_proxy_error", nil),
		eventAt(time.Second, "network_proxy_error", nil),
	}

	finding := EvaluateRule(rule, events, baseTime)
	require.NotNil(t, finding)
	assert.False(t, finding.MatchedConditions.Has("optional_miss"))
}

func TestEvaluateRule_ThresholdBoundary(t *testing.T) {
	events := []model.Event{eventAt(0, "network_proxy_error", nil)}

	// One event: the count factor does not fire, score stays at base 50.
	finding := EvaluateRule(proxyRule(50), events, baseTime)
	require.NotNil(t, finding, "score equal to the threshold fires")
	assert.Equal(t, 50, finding.ConfidenceScore)

	assert.Nil(t, EvaluateRule(proxyRule(51), events, baseTime), "one point short must not fire")
}

func TestEvaluateRule_ConfidenceCappedAt100(t *testing.T) {
	rule := proxyRule(60)
	rule.BaseConfidence = 90
	rule.ConfidenceFactors = []Factor{
		{Signal: "network_proxy_error", Condition: "count >= 1", Weight: 40},
	}

	events := []model.Event{eventAt(0, "network_proxy_error", nil)}

	finding := EvaluateRule(rule, events, baseTime)
	require.NotNil(t, finding)
	assert.Equal(t, 100, finding.ConfidenceScore)
}

func TestEvaluateRule_NegativeWeightsHaveNoFloor(t *testing.T) {
	rule := proxyRule(0)
	rule.BaseConfidence = 10
	rule.ConfidenceFactors = []Factor{
		{Signal: "network_proxy_error", Condition: "count >= 1", Weight: -40},
	}

	events := []model.Event{eventAt(0, "network_proxy_error", nil)}

	// -30 total against threshold 0: does not fire.
	assert.Nil(t, EvaluateRule(rule, events, baseTime))

	rule.ConfidenceThreshold = -40
	finding := EvaluateRule(rule, events, baseTime)
	require.NotNil(t, finding)
	assert.Equal(t, -30, finding.ConfidenceScore)
}

func TestEvaluateRule_Deterministic(t *testing.T) {
	rule := Rule{
		ID: "combo", Title: "combo", Severity: "medium", Enabled: true,
		Conditions: []Condition{
			{Signal: "prep_phase", Source: SourcePhaseDuration, Value: "Prep"},
			{Signal: "failures", Source: SourceEventCount, EventType: "app_install_failed", Operator: OpCountGTE, Value: "1"},
		},
		BaseConfidence: 50,
		ConfidenceFactors: []Factor{
			{Signal: "prep_phase", Condition: "phase_duration > 30", Weight: 20},
		},
		ConfidenceThreshold: 50,
	}

	events := []model.Event{
		eventAt(0, "esp_phase_changed", map[string]any{"espPhase": "Prep"}),
		eventAt(100*time.Second, "esp_phase_changed", map[string]any{"espPhase": "Setup"}),
		eventAt(time.Second, "app_install_failed", nil),
	}
	now := baseTime.Add(time.Hour)

	first := EvaluateRule(rule, events, now)
	require.NotNil(t, first)

	for i := 0; i < 10; i++ {
		next := EvaluateRule(rule, events, now)
		require.NotNil(t, next)
		assert.Equal(t, first.ConfidenceScore, next.ConfidenceScore)
		assert.Equal(t, first.MatchedConditions.Keys(), next.MatchedConditions.Keys())
		for _, key := range first.MatchedConditions.Keys() {
			want, _ := first.MatchedConditions.Get(key)
			got, _ := next.MatchedConditions.Get(key)
			assert.Equal(t, want, got)
		}
	}
}

func TestEvaluateRule_PresentationCopiedVerbatim(t *testing.T) {
	rule := proxyRule(0)
	rule.Explanation = "proxy blocks enrollment"
	rule.Remediation = []model.RemediationGroup{
		{Title: "Fix proxy", Steps: []string{"allow-list endpoints"}},
	}
	rule.RelatedDocs = []model.RelatedDoc{
		{Title: "Networking", URL: "https://docs.provisionhq.io/networking"},
	}

	events := []model.Event{eventAt(0, "network_proxy_error", nil)}

	finding := EvaluateRule(rule, events, baseTime)
	require.NotNil(t, finding)
	assert.Equal(t, rule.Explanation, finding.Explanation)
	assert.Equal(t, rule.Remediation, finding.Remediation)
	assert.Equal(t, rule.RelatedDocs, finding.RelatedDocs)
}
