package rules

import (
	"strconv"
	"strings"

	"github.com/provisionhq/analyzer/internal/model"
)

// Condition sources select the evaluation branch.
const (
	SourceEventType     = "event_type"
	SourceEventData     = "event_data"
	SourceEventCount    = "event_count"
	SourcePhaseDuration = "phase_duration"
)

// Operators for field comparisons.
const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpRegex    = "regex"
	OpGT       = "gt"
	OpLT       = "lt"
	OpGTE      = "gte"
	OpLTE      = "lte"
	OpExists   = "exists"
	OpCountGTE = "count_gte"
)

// Trigger kinds. The distinction is informational metadata; both kinds take
// the same evaluation path.
const (
	TriggerSingle      = "single"
	TriggerCorrelation = "correlation"
)

// PhaseChangedEventType is the event type carrying provisioning phase
// transitions; the phase name rides in the event payload under phaseDataKey.
const PhaseChangedEventType = "esp_phase_changed"

// phaseDataKey is read case-sensitively, unlike general payload lookups.
const phaseDataKey = "espPhase"

// Condition is one testable predicate over a session's event stream.
type Condition struct {
	Signal    string `yaml:"signal" json:"signal"`
	Source    string `yaml:"source" json:"source"`
	EventType string `yaml:"event_type" json:"event_type,omitempty"`
	DataField string `yaml:"data_field" json:"data_field,omitempty"`
	Operator  string `yaml:"operator" json:"operator,omitempty"`
	Value     string `yaml:"value" json:"value,omitempty"`
	Required  bool   `yaml:"required" json:"required"`
}

// Factor is a signed confidence adjustment applied after conditions.
type Factor struct {
	Signal    string `yaml:"signal" json:"signal"`
	Condition string `yaml:"condition" json:"condition"`
	Weight    int    `yaml:"weight" json:"weight"`

	expr *factorExpr
}

// Rule is a versioned declarative detector.
type Rule struct {
	ID      string   `yaml:"id" json:"id"`
	Version string   `yaml:"version" json:"version"`
	Author  string   `yaml:"author" json:"author"`
	Trigger string   `yaml:"trigger" json:"trigger"`
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Tenants []string `yaml:"tenants" json:"tenants,omitempty"`

	Title       string                   `yaml:"title" json:"title"`
	Severity    string                   `yaml:"severity" json:"severity"`
	Category    string                   `yaml:"category" json:"category"`
	Explanation string                   `yaml:"explanation" json:"explanation"`
	Remediation []model.RemediationGroup `yaml:"remediation" json:"remediation,omitempty"`
	RelatedDocs []model.RelatedDoc       `yaml:"related_docs" json:"related_docs,omitempty"`

	Conditions          []Condition `yaml:"conditions" json:"conditions"`
	BaseConfidence      int         `yaml:"base_confidence" json:"base_confidence"`
	ConfidenceFactors   []Factor    `yaml:"confidence_factors" json:"confidence_factors,omitempty"`
	ConfidenceThreshold int         `yaml:"confidence_threshold" json:"confidence_threshold"`

	SourceFile string `yaml:"-" json:"source_file,omitempty"`
}

// RuleSnapshot is an immutable view of the loaded rule set.
type RuleSnapshot struct {
	Rules   []Rule
	Version int64
}

// Validate checks the fields rule authors must get right. Unknown condition
// sources and operators are deliberately not rejected here: the evaluator
// treats them as non-matching so that forward-incompatible rule definitions
// degrade instead of erroring.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "rule ID is required"}
	}
	if r.Title == "" {
		return &ValidationError{Field: "title", Message: "rule title is required"}
	}

	validSeverities := map[string]bool{
		"low": true, "medium": true, "high": true, "critical": true,
	}
	if !validSeverities[r.Severity] {
		return &ValidationError{Field: "severity", Message: "invalid severity, must be low/medium/high/critical"}
	}

	if r.Trigger != "" && r.Trigger != TriggerSingle && r.Trigger != TriggerCorrelation {
		return &ValidationError{Field: "trigger", Message: "trigger must be single or correlation"}
	}

	if r.BaseConfidence < 0 || r.BaseConfidence > 100 {
		return &ValidationError{Field: "base_confidence", Message: "base confidence must be between 0 and 100"}
	}

	if len(r.Conditions) == 0 {
		return &ValidationError{Field: "conditions", Message: "at least one condition is required"}
	}
	for i, cond := range r.Conditions {
		if cond.Signal == "" {
			return &ValidationError{Field: "conditions[" + strconv.Itoa(i) + "].signal", Message: "condition signal is required"}
		}
	}
	for i, factor := range r.ConfidenceFactors {
		if factor.Signal == "" {
			return &ValidationError{Field: "confidence_factors[" + strconv.Itoa(i) + "].signal", Message: "factor signal is required"}
		}
	}

	return nil
}

// Compile parses condition strings on the rule's confidence factors into
// their evaluated form. Loaders call this once per rule; evaluation falls
// back to parsing on the fly for rules built in code.
func (r *Rule) Compile() {
	for i := range r.ConfidenceFactors {
		expr := parseFactorExpr(r.ConfidenceFactors[i].Condition)
		r.ConfidenceFactors[i].expr = &expr
	}
}

// IsEnabled reports whether the rule participates in the active set.
func (r *Rule) IsEnabled() bool {
	return r.Enabled
}

// AppliesTo reports whether the rule is in scope for a tenant. A rule with no
// tenant list is built-in and applies everywhere; otherwise the tenant must
// be listed.
func (r *Rule) AppliesTo(tenantID string) bool {
	if len(r.Tenants) == 0 {
		return true
	}
	for _, t := range r.Tenants {
		if strings.EqualFold(t, tenantID) {
			return true
		}
	}
	return false
}

// ValidationError reports an invalid rule field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
