package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/provisionhq/analyzer/internal/metrics"
	"github.com/provisionhq/analyzer/internal/model"
	"github.com/provisionhq/analyzer/internal/rules"
	"github.com/provisionhq/analyzer/internal/store"
)

// HTTPAPI provides the HTTP surface of the analyzer service.
type HTTPAPI struct {
	store     *store.MemoryStore
	loader    *rules.Loader
	overrides *rules.OverrideManager
	service   *Service
	metrics   *metrics.Metrics
	natsConn  *nats.Conn
}

// NewHTTPAPI creates a new HTTP API instance.
func NewHTTPAPI(store *store.MemoryStore, loader *rules.Loader, overrides *rules.OverrideManager, service *Service, m *metrics.Metrics, natsConn *nats.Conn) *HTTPAPI {
	return &HTTPAPI{
		store:     store,
		loader:    loader,
		overrides: overrides,
		service:   service,
		metrics:   m,
		natsConn:  natsConn,
	}
}

// SetupRoutes configures HTTP routes.
func (api *HTTPAPI) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/findings", api.handleFindings)
	mux.HandleFunc("/sessions/reanalyze", api.handleReanalyze)
	mux.HandleFunc("/rules", api.handleRules)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", api.handleHealth)
	mux.HandleFunc("/readyz", api.handleReady)
}

// handleFindings handles GET /findings with optional query parameters.
// With both tenant_id and session_id set it returns the session's stored
// findings; otherwise it serves the recent-findings feed filtered by
// tenant_id and/or minimum severity.
func (api *HTTPAPI) handleFindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	sessionID := r.URL.Query().Get("session_id")
	severity := r.URL.Query().Get("severity")
	limitStr := r.URL.Query().Get("limit")

	var findings []model.Finding
	if sessionID != "" {
		if tenantID == "" {
			http.Error(w, "tenant_id is required with session_id", http.StatusBadRequest)
			return
		}
		findings = api.store.FindingsBySession(tenantID, sessionID)
	} else {
		findings = api.store.RecentFindings(tenantID, severity)
	}

	if limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit < len(findings) {
			findings = findings[:limit]
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"findings":  findings,
		"count":     len(findings),
		"timestamp": time.Now().UTC(),
	})
}

// handleReanalyze handles POST /sessions/reanalyze. The discard parameter is
// the caller-level policy switch: with discard=true all prior findings are
// dropped and every active rule re-runs.
//
// Analysis failure returns an error status; it is never reported as a clean
// session with zero findings.
func (api *HTTPAPI) handleReanalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	sessionID := r.URL.Query().Get("session_id")
	if tenantID == "" || sessionID == "" {
		http.Error(w, "tenant_id and session_id are required", http.StatusBadRequest)
		return
	}
	discard := r.URL.Query().Get("discard") == "true"

	if api.metrics != nil {
		api.metrics.IncReanalyzeRequests()
	}

	findings, err := api.service.Analyze(tenantID, sessionID, discard)
	if err != nil {
		http.Error(w, "Analysis failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":    tenantID,
		"session_id":   sessionID,
		"discarded":    discard,
		"new_findings": findings,
		"count":        len(findings),
		"timestamp":    time.Now().UTC(),
	})
}

// handleRules handles GET /rules.
func (api *HTTPAPI) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := rules.RuleSummaryResponse{
		Files:     api.loader.FileSummaries(),
		Overrides: api.overrides.ListOverrides(),
	}
	writeJSON(w, http.StatusOK, response)
}

// handleHealth handles GET /healthz.
func (api *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleReady handles GET /readyz: ready once NATS is connected and a rule
// snapshot has been loaded.
func (api *HTTPAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	if api.natsConn == nil || !api.natsConn.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}
	if snapshot := api.loader.GetSnapshot(); snapshot.Version == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"reason": "rules not loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
