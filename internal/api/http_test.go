package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, loadRules bool) (*HTTPAPI, *serviceFixture) {
	t.Helper()
	f := newServiceFixture(t, loadRules)
	api := NewHTTPAPI(f.store, f.loader, f.overrides, f.service, nil, nil)
	return api, f
}

func serve(api *HTTPAPI, method, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	api.SetupRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandleReanalyze(t *testing.T) {
	api, f := newTestAPI(t, true)
	f.seedProxyErrors("t1", "s1", 2)

	rec := serve(api, http.MethodPost, "/sessions/reanalyze?tenant_id=t1&session_id=s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count     int  `json:"count"`
		Discarded bool `json:"discarded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.False(t, body.Discarded)

	// Without discard the second run is a no-op.
	rec = serve(api, http.MethodPost, "/sessions/reanalyze?tenant_id=t1&session_id=s1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)

	// With discard every rule re-runs.
	rec = serve(api, http.MethodPost, "/sessions/reanalyze?tenant_id=t1&session_id=s1&discard=true")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.True(t, body.Discarded)
}

func TestHandleReanalyze_Validation(t *testing.T) {
	api, _ := newTestAPI(t, true)

	rec := serve(api, http.MethodPost, "/sessions/reanalyze?tenant_id=t1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(api, http.MethodGet, "/sessions/reanalyze?tenant_id=t1&session_id=s1")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleReanalyze_AnalysisFailureIsDistinguishable(t *testing.T) {
	// No rule snapshot loaded: the handler must report failure, not a clean
	// zero-finding session.
	api, f := newTestAPI(t, false)
	f.seedProxyErrors("t1", "s1", 2)

	rec := serve(api, http.MethodPost, "/sessions/reanalyze?tenant_id=t1&session_id=s1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleFindings(t *testing.T) {
	api, f := newTestAPI(t, true)
	f.seedProxyErrors("t1", "s1", 2)

	_, err := f.service.Analyze("t1", "s1", false)
	require.NoError(t, err)

	rec := serve(api, http.MethodGet, "/findings?tenant_id=t1&session_id=s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count    int `json:"count"`
		Findings []struct {
			RuleID          string `json:"rule_id"`
			ConfidenceScore int    `json:"confidence_score"`
		} `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "network-proxy-blocking", body.Findings[0].RuleID)
	assert.Equal(t, 75, body.Findings[0].ConfidenceScore)

	// session_id without tenant_id is rejected.
	rec = serve(api, http.MethodGet, "/findings?session_id=s1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Recent feed with severity filter.
	rec = serve(api, http.MethodGet, "/findings?severity=critical")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)
}

func TestHandleRules(t *testing.T) {
	api, f := newTestAPI(t, true)

	disabled := false
	_, err := f.overrides.AddOverride("t1", "network-proxy-blocking", &disabled, nil, nil, "muted")
	require.NoError(t, err)

	rec := serve(api, http.MethodGet, "/rules")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Files []struct {
			RuleCount int `json:"rule_count"`
		} `json:"files"`
		Overrides []struct {
			TenantID string `json:"tenant_id"`
			RuleID   string `json:"rule_id"`
		} `json:"overrides"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Files, 1)
	assert.Equal(t, 1, body.Files[0].RuleCount)
	require.Len(t, body.Overrides, 1)
	assert.Equal(t, "t1", body.Overrides[0].TenantID)
}

func TestHealthAndReady(t *testing.T) {
	api, _ := newTestAPI(t, true)

	rec := serve(api, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	// No NATS connection wired in tests: not ready.
	rec = serve(api, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
