package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/provisionhq/analyzer/internal/model"
)

// maxConfidence caps the accumulated score. There is no floor: negative
// factor weights can drive the total below zero, and the raw total is what
// gets compared against the threshold.
const maxConfidence = 100

// EvaluateRule evaluates one rule against a session's event history and
// returns a Finding when the rule fires, or nil.
//
// Conditions run in declared order. A required condition that fails
// disqualifies the rule immediately; later conditions are never evaluated.
// Matched conditions record their evidence under the condition's signal.
// Confidence factors then adjust the base confidence, each fired factor
// recording a factor_<signal> marker. The final score is capped at
// maxConfidence and must meet the rule's threshold for the finding to fire.
//
// The now argument is the evaluation wall-clock instant; it anchors open
// phase durations and the finding's DetectedAt stamp, keeping the evaluation
// a pure function of its inputs.
func EvaluateRule(rule Rule, events []model.Event, now time.Time) *model.Finding {
	confidence := rule.BaseConfidence
	evidence := model.NewEvidence()

	for _, cond := range rule.Conditions {
		matched, payload := evaluateCondition(cond, events, now)
		if !matched {
			if cond.Required {
				return nil
			}
			continue
		}
		evidence.Set(cond.Signal, payload)
	}

	for _, factor := range rule.ConfidenceFactors {
		if evaluateFactor(factor, events, evidence) {
			confidence += factor.Weight
			evidence.Set("factor_"+factor.Signal, true)
		}
	}

	if confidence > maxConfidence {
		confidence = maxConfidence
	}
	if confidence < rule.ConfidenceThreshold {
		return nil
	}

	return &model.Finding{
		ID:                uuid.NewString(),
		RuleID:            rule.ID,
		RuleTitle:         rule.Title,
		Severity:          rule.Severity,
		Category:          rule.Category,
		ConfidenceScore:   confidence,
		Explanation:       rule.Explanation,
		Remediation:       rule.Remediation,
		RelatedDocs:       rule.RelatedDocs,
		MatchedConditions: evidence,
		DetectedAt:        now,
	}
}
