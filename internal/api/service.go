package api

import (
	"fmt"
	"log/slog"

	"github.com/provisionhq/analyzer/internal/metrics"
	"github.com/provisionhq/analyzer/internal/model"
	"github.com/provisionhq/analyzer/internal/rules"
	"github.com/provisionhq/analyzer/internal/store"
)

// FindingPublisher fans newly stored findings out to downstream consumers.
type FindingPublisher interface {
	PublishFindings(findings []model.Finding) error
}

// Service orchestrates one analysis pass: it owns all the I/O the engine
// itself refuses to do. It reads the session's events and stored-findings
// set, resolves the tenant's effective rules, invokes the analyzer, and
// persists and publishes whatever fired.
type Service struct {
	store     *store.MemoryStore
	loader    *rules.Loader
	overrides *rules.OverrideManager
	analyzer  *rules.Analyzer
	publisher FindingPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService creates the analysis orchestrator.
func NewService(store *store.MemoryStore, loader *rules.Loader, overrides *rules.OverrideManager, analyzer *rules.Analyzer, publisher FindingPublisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		loader:    loader,
		overrides: overrides,
		analyzer:  analyzer,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Analyze runs the analysis pass for one session and returns the newly
// stored findings. With discard set, all prior findings for the session are
// deleted first and every active rule re-runs from scratch; otherwise rules
// that already produced a stored finding are skipped.
//
// Errors are returned, never folded into an empty result: an empty finding
// list always means the session analyzed clean.
func (s *Service) Analyze(tenantID, sessionID string, discard bool) ([]model.Finding, error) {
	if tenantID == "" || sessionID == "" {
		return nil, fmt.Errorf("tenant_id and session_id are required")
	}

	snapshot := s.loader.GetSnapshot()
	if snapshot.Version == 0 && len(snapshot.Rules) == 0 {
		return nil, fmt.Errorf("no rule snapshot loaded")
	}
	activeRules := s.overrides.EffectiveRulesFor(tenantID, snapshot)

	if discard {
		s.store.DeleteFindings(tenantID, sessionID)
		s.logger.Info("Discarded prior findings for reanalysis",
			"tenant_id", tenantID,
			"session_id", sessionID)
	}

	// The stored-findings set is read immediately before evaluation; that
	// read is the entire idempotence guarantee. Concurrent passes over the
	// same session can race past it and the store collapses the duplicates.
	events := s.store.Events(tenantID, sessionID)
	alreadyEvaluated := s.store.EvaluatedRuleIDs(tenantID, sessionID)

	findings := s.analyzer.AnalyzeSession(tenantID, sessionID, activeRules, events, alreadyEvaluated)
	if len(findings) == 0 {
		return nil, nil
	}

	stored := s.store.SaveFindings(findings)
	if suppressed := len(findings) - len(stored); suppressed > 0 && s.metrics != nil {
		for i := 0; i < suppressed; i++ {
			s.metrics.IncFindingsSuppressed()
		}
	}

	if s.publisher != nil && len(stored) > 0 {
		if err := s.publisher.PublishFindings(stored); err != nil {
			// Findings are already persisted; publish failure is not an
			// analysis failure.
			s.logger.Error("Failed to publish findings",
				"tenant_id", tenantID,
				"session_id", sessionID,
				"error", err)
		}
	}

	return stored, nil
}
