package rules

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RuleOverride adjusts a rule for one tenant without editing the rule file.
// Nil fields leave the rule's own value in place.
type RuleOverride struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant_id"`
	RuleID              string    `json:"rule_id"`
	Enabled             *bool     `json:"enabled,omitempty"`
	Severity            *string   `json:"severity,omitempty"`
	ConfidenceThreshold *int      `json:"confidence_threshold,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	Description         string    `json:"description,omitempty"`
}

// RuleFileSummary summarizes one rule file for the rules API.
type RuleFileSummary struct {
	Filename  string `json:"filename"`
	RuleCount int    `json:"rule_count"`
}

// RuleSummaryResponse is the response body for GET /rules.
type RuleSummaryResponse struct {
	Files     []RuleFileSummary `json:"files"`
	Overrides []RuleOverride    `json:"overrides"`
}

// MetricsUpdater receives override-count updates.
type MetricsUpdater interface {
	SetRuleOverrides(count float64)
}

// OverrideManager holds tenant rule overrides and resolves the effective
// rule set a tenant's sessions are analyzed with. The engine itself never
// sees overrides; it only receives the merged result.
type OverrideManager struct {
	mu        sync.RWMutex
	overrides map[string]*RuleOverride
	logger    *slog.Logger
	metrics   MetricsUpdater
}

// NewOverrideManager creates a new override manager.
func NewOverrideManager(logger *slog.Logger) *OverrideManager {
	return &OverrideManager{
		overrides: make(map[string]*RuleOverride),
		logger:    logger,
	}
}

// NewOverrideManagerWithMetrics creates a new override manager that reports
// its override count.
func NewOverrideManagerWithMetrics(logger *slog.Logger, metrics MetricsUpdater) *OverrideManager {
	return &OverrideManager{
		overrides: make(map[string]*RuleOverride),
		logger:    logger,
		metrics:   metrics,
	}
}

// AddOverride registers an override for a (tenant, rule) pair, replacing any
// existing one.
func (om *OverrideManager) AddOverride(tenantID, ruleID string, enabled *bool, severity *string, confidenceThreshold *int, description string) (*RuleOverride, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}

	om.mu.Lock()
	defer om.mu.Unlock()

	id := tenantID + "/" + ruleID
	now := time.Now()

	override := &RuleOverride{
		ID:                  id,
		TenantID:            tenantID,
		RuleID:              ruleID,
		Enabled:             enabled,
		Severity:            severity,
		ConfidenceThreshold: confidenceThreshold,
		CreatedAt:           now,
		UpdatedAt:           now,
		Description:         description,
	}
	if existing, exists := om.overrides[id]; exists {
		override.CreatedAt = existing.CreatedAt
	}
	om.overrides[id] = override

	om.logger.Info("Rule override added",
		"override_id", id,
		"tenant_id", tenantID,
		"rule_id", ruleID,
		"enabled", enabled,
		"severity", severity,
		"confidence_threshold", confidenceThreshold)

	if om.metrics != nil {
		om.metrics.SetRuleOverrides(float64(len(om.overrides)))
	}

	return override, nil
}

// RemoveOverride removes an override by ID.
func (om *OverrideManager) RemoveOverride(id string) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	if _, exists := om.overrides[id]; !exists {
		return fmt.Errorf("override not found: %s", id)
	}
	delete(om.overrides, id)

	om.logger.Info("Rule override removed", "override_id", id)

	if om.metrics != nil {
		om.metrics.SetRuleOverrides(float64(len(om.overrides)))
	}
	return nil
}

// ListOverrides returns all overrides.
func (om *OverrideManager) ListOverrides() []RuleOverride {
	om.mu.RLock()
	defer om.mu.RUnlock()

	overrides := make([]RuleOverride, 0, len(om.overrides))
	for _, o := range om.overrides {
		overrides = append(overrides, *o)
	}
	return overrides
}

// EffectiveRulesFor resolves the active rule set for one tenant: rules in
// scope for the tenant, with the tenant's overrides merged in and rules
// disabled by override filtered out. The result is what the session analyzer
// receives as its activeRules input.
func (om *OverrideManager) EffectiveRulesFor(tenantID string, snapshot *RuleSnapshot) []Rule {
	om.mu.RLock()
	defer om.mu.RUnlock()

	var effective []Rule
	for _, rule := range snapshot.Rules {
		if !rule.AppliesTo(tenantID) {
			continue
		}

		override, exists := om.overrides[tenantID+"/"+rule.ID]
		if !exists {
			effective = append(effective, rule)
			continue
		}

		if override.Enabled != nil && !*override.Enabled {
			continue
		}
		merged := rule
		if override.Severity != nil {
			merged.Severity = *override.Severity
		}
		if override.ConfidenceThreshold != nil {
			merged.ConfidenceThreshold = *override.ConfidenceThreshold
		}
		effective = append(effective, merged)
	}
	return effective
}
