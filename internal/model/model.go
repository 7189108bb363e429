package model

import (
	"fmt"
	"strings"
	"time"
)

// Event is one telemetry record emitted during a device-provisioning session.
// Events are append-only facts: the collection pipeline creates them once and
// the analyzer only reads them.
type Event struct {
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	TenantID  string         `json:"tenant_id"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequence"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source"`
	Phase     int            `json:"phase"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Field resolves a named value from the event payload. The reserved name
// "message" addresses the event message; any other name is matched
// case-insensitively against the Data keys. Scalar values are returned in
// string form. The second return is false when the key is absent or the
// event carries no payload map.
func (e *Event) Field(name string) (string, bool) {
	if strings.EqualFold(name, "message") {
		return e.Message, true
	}
	if e.Data == nil {
		return "", false
	}
	for key, value := range e.Data {
		if strings.EqualFold(key, name) {
			return fmt.Sprint(value), true
		}
	}
	return "", false
}

// RemediationGroup is one titled group of remediation steps carried on a rule
// and copied verbatim onto findings.
type RemediationGroup struct {
	Title string   `json:"title" yaml:"title"`
	Steps []string `json:"steps" yaml:"steps"`
}

// RelatedDoc links a finding to external documentation.
type RelatedDoc struct {
	Title string `json:"title" yaml:"title"`
	URL   string `json:"url" yaml:"url"`
}

// Finding is a fired rule: an issue detection with its final confidence score
// and the evidence accumulated while evaluating the rule's conditions and
// confidence factors. Persistence and deduplication belong to the caller.
type Finding struct {
	ID                string             `json:"id"`
	RuleID            string             `json:"rule_id"`
	RuleTitle         string             `json:"rule_title"`
	Severity          string             `json:"severity"`
	Category          string             `json:"category"`
	ConfidenceScore   int                `json:"confidence_score"`
	Explanation       string             `json:"explanation"`
	Remediation       []RemediationGroup `json:"remediation,omitempty"`
	RelatedDocs       []RelatedDoc       `json:"related_docs,omitempty"`
	MatchedConditions *Evidence          `json:"matched_conditions"`
	SessionID         string             `json:"session_id"`
	TenantID          string             `json:"tenant_id"`
	DetectedAt        time.Time          `json:"detected_at"`
}
