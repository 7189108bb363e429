package rules

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provisionhq/analyzer/internal/model"
)

func testAnalyzer() *Analyzer {
	a := NewAnalyzer(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return baseTime.Add(time.Hour) }
	return a
}

func TestAnalyzeSession_EmptyEvents(t *testing.T) {
	analyzer := testAnalyzer()

	findings := analyzer.AnalyzeSession("tenant-1", "session-1", []Rule{proxyRule(0)}, nil, nil)
	assert.Empty(t, findings)
}

func TestAnalyzeSession_StampsTenantAndSession(t *testing.T) {
	analyzer := testAnalyzer()
	events := []model.Event{
		eventAt(0, "network_proxy_error", nil),
		eventAt(time.Second, "network_proxy_error", nil),
	}

	findings := analyzer.AnalyzeSession("tenant-1", "session-1", []Rule{proxyRule(60)}, events, nil)
	require.Len(t, findings, 1)
	assert.Equal(t, "tenant-1", findings[0].TenantID)
	assert.Equal(t, "session-1", findings[0].SessionID)
	assert.Equal(t, 75, findings[0].ConfidenceScore)
}

func TestAnalyzeSession_Idempotence(t *testing.T) {
	analyzer := testAnalyzer()
	events := []model.Event{
		eventAt(0, "network_proxy_error", nil),
		eventAt(time.Second, "network_proxy_error", nil),
	}
	activeRules := []Rule{proxyRule(60)}

	first := analyzer.AnalyzeSession("tenant-1", "session-1", activeRules, events, map[string]struct{}{})
	require.Len(t, first, 1)

	evaluated := make(map[string]struct{})
	for _, finding := range first {
		evaluated[finding.RuleID] = struct{}{}
	}

	second := analyzer.AnalyzeSession("tenant-1", "session-1", activeRules, events, evaluated)
	assert.Empty(t, second)
}

func TestAnalyzeSession_PerRuleIsolation(t *testing.T) {
	analyzer := testAnalyzer()
	analyzer.evalRule = func(rule Rule, events []model.Event, now time.Time) *model.Finding {
		if rule.ID == "broken-rule" {
			panic("boom")
		}
		return EvaluateRule(rule, events, now)
	}

	broken := proxyRule(60)
	broken.ID = "broken-rule"
	healthy := proxyRule(60)

	events := []model.Event{
		eventAt(0, "network_proxy_error", nil),
		eventAt(time.Second, "network_proxy_error", nil),
	}

	findings := analyzer.AnalyzeSession("tenant-1", "session-1", []Rule{broken, healthy}, events, nil)
	require.Len(t, findings, 1)
	assert.Equal(t, "network-proxy-blocking", findings[0].RuleID)
}

// Two passes over the same session that each read the stored-findings set
// before the other finishes both see every rule as not yet fired, and both
// emit. The analyzer deliberately does not serialize; collapsing the
// duplicates is the persistence layer's business.
func TestAnalyzeSession_ConcurrentPassesMayDuplicate(t *testing.T) {
	analyzer := testAnalyzer()
	events := []model.Event{
		eventAt(0, "network_proxy_error", nil),
		eventAt(time.Second, "network_proxy_error", nil),
	}
	activeRules := []Rule{proxyRule(60)}

	// Both callers read an empty evaluated set, as under the race.
	staleSet := map[string]struct{}{}
	first := analyzer.AnalyzeSession("tenant-1", "session-1", activeRules, events, staleSet)
	second := analyzer.AnalyzeSession("tenant-1", "session-1", activeRules, events, staleSet)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].RuleID, second[0].RuleID)
}

func TestAnalyzeSession_SkipsRulesOutsideActiveSet(t *testing.T) {
	analyzer := testAnalyzer()
	events := []model.Event{eventAt(0, "network_proxy_error", nil)}

	findings := analyzer.AnalyzeSession("tenant-1", "session-1", nil, events, nil)
	assert.Empty(t, findings)
}
