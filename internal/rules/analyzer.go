package rules

import (
	"log/slog"
	"time"

	"github.com/provisionhq/analyzer/internal/metrics"
	"github.com/provisionhq/analyzer/internal/model"
)

// Analyzer runs the active rule set over one session's closed event window.
// It is stateless across invocations and performs no I/O: the caller supplies
// events, effective rules, and the set of rule IDs that already produced a
// stored finding, and persists whatever comes back.
type Analyzer struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// evalRule is swapped by tests to inject failing rule evaluations.
	evalRule func(Rule, []model.Event, time.Time) *model.Finding
}

// NewAnalyzer creates a session analyzer.
func NewAnalyzer(m *metrics.Metrics, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		evalRule: EvaluateRule,
	}
}

// AnalyzeSession evaluates every active rule not yet recorded in
// alreadyEvaluatedRuleIDs and returns the newly fired findings, stamped with
// the tenant and session. An empty event window yields no findings. A rule
// whose evaluation panics is logged and skipped; the remaining rules are
// unaffected.
//
// Idempotence rests entirely on the caller reading the stored-findings set
// immediately before this call. Two concurrent passes over the same session
// can each see a rule as not yet fired and both emit it; the analyzer does
// not serialize, and de-duplicating under that race belongs to persistence.
func (a *Analyzer) AnalyzeSession(tenantID, sessionID string, activeRules []Rule, events []model.Event, alreadyEvaluatedRuleIDs map[string]struct{}) []model.Finding {
	if len(events) == 0 {
		return nil
	}

	var findings []model.Finding

	for _, rule := range activeRules {
		if _, done := alreadyEvaluatedRuleIDs[rule.ID]; done {
			continue
		}

		finding := a.evaluateRuleSafely(rule, events)
		if finding == nil {
			continue
		}

		finding.TenantID = tenantID
		finding.SessionID = sessionID
		findings = append(findings, *finding)

		if a.metrics != nil {
			a.metrics.IncFindingsGenerated()
		}
		a.logger.Info("Finding fired",
			"tenant_id", tenantID,
			"session_id", sessionID,
			"rule_id", rule.ID,
			"severity", finding.Severity,
			"confidence", finding.ConfidenceScore)
	}

	return findings
}

// evaluateRuleSafely isolates one rule's evaluation: a panic is recovered,
// logged, and reported as "rule did not fire".
func (a *Analyzer) evaluateRuleSafely(rule Rule, events []model.Event) (finding *model.Finding) {
	defer func() {
		if r := recover(); r != nil {
			finding = nil
			if a.metrics != nil {
				a.metrics.IncRuleEvalPanics()
			}
			a.logger.Error("Rule evaluation panicked",
				"rule_id", rule.ID,
				"panic", r)
		}
	}()

	if a.metrics != nil {
		a.metrics.IncRulesEvaluated()
	}
	return a.evalRule(rule, events, a.now())
}
