package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/provisionhq/analyzer/internal/model"
)

// findingsSubject carries newly fired findings to downstream consumers
// (notification fan-out, dashboards).
const findingsSubject = "esp.findings"

// Publisher publishes findings to NATS.
type Publisher struct {
	natsConn *nats.Conn
	logger   *slog.Logger
}

// NewPublisher creates a new finding publisher.
func NewPublisher(natsConn *nats.Conn, logger *slog.Logger) *Publisher {
	return &Publisher{
		natsConn: natsConn,
		logger:   logger,
	}
}

// PublishFinding publishes one finding to the findings subject.
func (p *Publisher) PublishFinding(finding *model.Finding) error {
	if p.natsConn == nil || !p.natsConn.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	findingJSON, err := json.Marshal(finding)
	if err != nil {
		return fmt.Errorf("failed to marshal finding: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-finding-id", finding.ID)
	headers.Set("x-tenant-id", finding.TenantID)
	headers.Set("x-session-id", finding.SessionID)
	headers.Set("x-rule-id", finding.RuleID)
	headers.Set("x-severity", finding.Severity)
	headers.Set("x-detected-at", finding.DetectedAt.UTC().Format(time.RFC3339))

	msg := &nats.Msg{
		Subject: findingsSubject,
		Data:    findingJSON,
		Header:  headers,
	}
	if err := p.natsConn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish finding: %w", err)
	}

	p.logger.Info("Published finding",
		"finding_id", finding.ID,
		"tenant_id", finding.TenantID,
		"session_id", finding.SessionID,
		"rule_id", finding.RuleID,
		"severity", finding.Severity,
		"subject", findingsSubject)

	return nil
}

// PublishFindings publishes a batch of findings, aggregating any failures.
func (p *Publisher) PublishFindings(findings []model.Finding) error {
	var errs []error
	successCount := 0

	for i := range findings {
		if err := p.PublishFinding(&findings[i]); err != nil {
			errs = append(errs, fmt.Errorf("finding %s: %w", findings[i].ID, err))
		} else {
			successCount++
		}
	}

	p.logger.Info("Published findings batch",
		"total", len(findings),
		"successful", successCount,
		"failed", len(errs))

	if len(errs) > 0 {
		return fmt.Errorf("failed to publish %d findings: %v", len(errs), errs)
	}
	return nil
}
