package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/provisionhq/analyzer/internal/metrics"
	"github.com/provisionhq/analyzer/internal/model"
	"github.com/provisionhq/analyzer/internal/store"
)

// NATS subjects for telemetry ingest.
const (
	eventsSubject = "esp.events"
)

// sessionCompletedEventType marks the end of a session's event stream and
// triggers the automatic analysis pass.
const sessionCompletedEventType = "esp_session_completed"

// SessionAnalysis runs the full analysis pass for one session: resolve
// effective rules, read session state, evaluate, persist, publish. The
// discard flag drops prior findings first so every rule re-runs.
type SessionAnalysis interface {
	Analyze(tenantID, sessionID string, discard bool) ([]model.Finding, error)
}

// Subscriber consumes provisioning telemetry from NATS, appends it to the
// session store, and kicks off analysis when a session completes.
type Subscriber struct {
	nc          *nats.Conn
	store       *store.MemoryStore
	analysis    SessionAnalysis
	queue       string
	autoAnalyze bool
	metrics     *metrics.Metrics
	logger      *slog.Logger

	eventsSub *nats.Subscription
}

// NewSubscriber creates a new telemetry subscriber.
func NewSubscriber(nc *nats.Conn, store *store.MemoryStore, analysis SessionAnalysis, queue string, autoAnalyze bool, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:          nc,
		store:       store,
		analysis:    analysis,
		queue:       queue,
		autoAnalyze: autoAnalyze,
		metrics:     m,
		logger:      logger,
	}
}

// Subscribe starts consuming telemetry events and blocks until the context
// is cancelled, then drains the subscription.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to telemetry events", "subject", eventsSubject, "queue", s.queue)

	sub, err := s.nc.QueueSubscribe(eventsSubject, s.queue, s.handleEventMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to telemetry events", "error", err)
		return err
	}
	s.eventsSub = sub
	s.logger.Info("Subscribed to telemetry events", "subject", eventsSubject, "queue", s.queue)

	<-ctx.Done()

	s.logger.Info("Starting graceful shutdown")
	return s.gracefulShutdown()
}

// handleEventMessage appends one telemetry event to its session log and
// triggers analysis on session completion.
func (s *Subscriber) handleEventMessage(msg *nats.Msg) {
	var event model.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		if s.metrics != nil {
			s.metrics.IncInvalidEvents()
		}
		s.logger.Warn("Dropping malformed telemetry event", "error", err)
		return
	}

	if event.TenantID == "" || event.SessionID == "" || event.EventType == "" {
		if s.metrics != nil {
			s.metrics.IncInvalidEvents()
		}
		s.logger.Warn("Dropping telemetry event with missing identity",
			"tenant_id", event.TenantID,
			"session_id", event.SessionID,
			"event_type", event.EventType)
		return
	}

	s.store.AppendEvent(event)
	if s.metrics != nil {
		s.metrics.IncEventsIngested()
		s.metrics.SetSessionsTracked(float64(s.store.SessionCount()))
	}

	s.logger.Debug("Telemetry event ingested",
		"tenant_id", event.TenantID,
		"session_id", event.SessionID,
		"event_type", event.EventType,
		"sequence", event.Sequence)

	if s.autoAnalyze && strings.EqualFold(event.EventType, sessionCompletedEventType) {
		s.analyzeCompletedSession(event.TenantID, event.SessionID)
	}
}

// analyzeCompletedSession runs the automatic analysis pass. Failures are
// logged, never fatal: the session stays available for on-demand reanalysis.
func (s *Subscriber) analyzeCompletedSession(tenantID, sessionID string) {
	s.logger.Info("Session completed, running analysis",
		"tenant_id", tenantID,
		"session_id", sessionID)

	findings, err := s.analysis.Analyze(tenantID, sessionID, false)
	if err != nil {
		s.logger.Error("Automatic session analysis failed",
			"tenant_id", tenantID,
			"session_id", sessionID,
			"error", err)
		return
	}

	s.logger.Info("Automatic session analysis complete",
		"tenant_id", tenantID,
		"session_id", sessionID,
		"new_findings", len(findings))
}

// gracefulShutdown drains the subscription so in-flight events finish.
func (s *Subscriber) gracefulShutdown() error {
	if s.eventsSub != nil {
		if err := s.eventsSub.Drain(); err != nil {
			s.logger.Error("Failed to drain events subscription", "error", err)
			return err
		}
	}
	s.logger.Info("Subscriber shut down cleanly")
	return nil
}
