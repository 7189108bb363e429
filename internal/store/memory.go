package store

import (
	"container/ring"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/provisionhq/analyzer/internal/model"
)

// sessionKey identifies one provisioning session within a tenant.
type sessionKey struct {
	tenantID  string
	sessionID string
}

// sessionState holds everything the analyzer needs for one session: the
// append-only event log and the findings already stored, keyed by rule ID.
type sessionState struct {
	events   []model.Event
	findings map[string]model.Finding
}

// MemoryStore is a thread-safe in-memory session store. Sessions are bounded
// by an LRU: when capacity is exceeded the least recently touched session is
// evicted wholesale, events and findings together. A ring of recently emitted
// findings feeds the findings API across sessions.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    *lru.Cache[sessionKey, *sessionState]
	recent      *ring.Ring
	maxSessions int
	recentCap   int
}

// NewMemoryStore creates a memory store holding at most maxSessions sessions
// and a feed of the recentFindings most recent findings.
func NewMemoryStore(maxSessions, recentFindings int) (*MemoryStore, error) {
	sessions, err := lru.New[sessionKey, *sessionState](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	return &MemoryStore{
		sessions:    sessions,
		recent:      ring.New(recentFindings),
		maxSessions: maxSessions,
		recentCap:   recentFindings,
	}, nil
}

// AppendEvent appends one event to its session's log, creating the session
// on first sight.
func (s *MemoryStore) AppendEvent(ev model.Event) {
	if ev.TenantID == "" || ev.SessionID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.session(sessionKey{ev.TenantID, ev.SessionID})
	state.events = append(state.events, ev)
}

// Events returns a copy of the session's event log.
func (s *MemoryStore) Events(tenantID, sessionID string) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.sessions.Get(sessionKey{tenantID, sessionID})
	if !exists {
		return nil
	}

	events := make([]model.Event, len(state.events))
	copy(events, state.events)
	return events
}

// EvaluatedRuleIDs returns the set of rule IDs that already have a stored
// finding for the session. Callers read this immediately before invoking the
// analyzer.
func (s *MemoryStore) EvaluatedRuleIDs(tenantID, sessionID string) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make(map[string]struct{})
	state, exists := s.sessions.Get(sessionKey{tenantID, sessionID})
	if !exists {
		return ids
	}
	for ruleID := range state.findings {
		ids[ruleID] = struct{}{}
	}
	return ids
}

// SaveFindings persists newly fired findings. At most one finding is kept
// per (session, rule): a finding for a rule that already fired is dropped.
// Returns the findings actually stored.
func (s *MemoryStore) SaveFindings(findings []model.Finding) []model.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored []model.Finding
	for _, finding := range findings {
		state := s.session(sessionKey{finding.TenantID, finding.SessionID})
		if _, exists := state.findings[finding.RuleID]; exists {
			continue
		}
		state.findings[finding.RuleID] = finding
		stored = append(stored, finding)

		s.recent.Value = finding
		s.recent = s.recent.Next()
	}
	return stored
}

// FindingsBySession returns the session's stored findings sorted by rule ID.
func (s *MemoryStore) FindingsBySession(tenantID, sessionID string) []model.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.sessions.Get(sessionKey{tenantID, sessionID})
	if !exists {
		return nil
	}

	findings := make([]model.Finding, 0, len(state.findings))
	for _, finding := range state.findings {
		findings = append(findings, finding)
	}
	sort.Slice(findings, func(i, j int) bool {
		return findings[i].RuleID < findings[j].RuleID
	})
	return findings
}

// DeleteFindings discards all stored findings for a session. The reanalyze
// flow calls this before re-running every rule from scratch.
func (s *MemoryStore) DeleteFindings(tenantID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.sessions.Get(sessionKey{tenantID, sessionID})
	if !exists {
		return
	}
	state.findings = make(map[string]model.Finding)
}

// RecentFindings returns findings from the cross-session feed, oldest first,
// optionally filtered by tenant and minimum severity.
func (s *MemoryStore) RecentFindings(tenantID, minSeverity string) []model.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	severityLevels := map[string]int{
		"low":      1,
		"medium":   2,
		"high":     3,
		"critical": 4,
	}
	minLevel := severityLevels[minSeverity]

	var findings []model.Finding
	s.recent.Do(func(value any) {
		finding, ok := value.(model.Finding)
		if !ok {
			return
		}
		if tenantID != "" && finding.TenantID != tenantID {
			return
		}
		if minLevel > 0 && severityLevels[finding.Severity] < minLevel {
			return
		}
		findings = append(findings, finding)
	})
	return findings
}

// SessionCount returns the number of sessions currently tracked.
func (s *MemoryStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions.Len()
}

// Stats returns store statistics for diagnostics.
func (s *MemoryStore) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recentCount := 0
	s.recent.Do(func(value any) {
		if value != nil {
			recentCount++
		}
	})

	return map[string]any{
		"sessions":        s.sessions.Len(),
		"max_sessions":    s.maxSessions,
		"recent_findings": recentCount,
		"recent_cap":      s.recentCap,
	}
}

// session returns the state for key, creating it if needed. Callers must
// hold the write lock.
func (s *MemoryStore) session(key sessionKey) *sessionState {
	state, exists := s.sessions.Get(key)
	if !exists {
		state = &sessionState{findings: make(map[string]model.Finding)}
		s.sessions.Add(key, state)
	}
	return state
}
