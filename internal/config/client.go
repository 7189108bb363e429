package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Client fetches analyzer configuration from the config-api service.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// ConfigEntry is one configuration entry as served by the config-api.
type ConfigEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConfigSnapshot is the analyzer's runtime configuration.
type ConfigSnapshot struct {
	MaxSessions    int       `json:"max_sessions"`
	RecentFindings int       `json:"recent_findings"`
	HotReload      bool      `json:"hot_reload"`
	DebounceMs     int       `json:"debounce_ms"`
	AutoAnalyze    bool      `json:"auto_analyze"`
	LastUpdated    time.Time `json:"last_updated"`
}

// NewClient creates a new configuration client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// GetSnapshot fetches the current configuration snapshot from config-api.
func (c *Client) GetSnapshot() (*ConfigSnapshot, error) {
	url := fmt.Sprintf("%s/config", c.baseURL)

	resp, err := c.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config-api returned status %d", resp.StatusCode)
	}

	var response struct {
		Configs []ConfigEntry `json:"configs"`
		Count   int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}

	snapshot := &ConfigSnapshot{
		MaxSessions:    10000,
		RecentFindings: 1000,
		HotReload:      false,
		DebounceMs:     1000,
		AutoAnalyze:    true,
		LastUpdated:    time.Now(),
	}

	for _, entry := range response.Configs {
		applyEntry(snapshot, entry.Key, entry.Value)
	}

	c.logger.Info("Configuration snapshot loaded",
		"max_sessions", snapshot.MaxSessions,
		"recent_findings", snapshot.RecentFindings,
		"hot_reload", snapshot.HotReload,
		"debounce_ms", snapshot.DebounceMs,
		"auto_analyze", snapshot.AutoAnalyze,
		"config_count", response.Count)

	return snapshot, nil
}

// GetSnapshotWithFallback fetches the snapshot, falling back to the supplied
// defaults when the config-api is unavailable.
func (c *Client) GetSnapshotWithFallback(envDefaults *ConfigSnapshot) *ConfigSnapshot {
	snapshot, err := c.GetSnapshot()
	if err != nil {
		c.logger.Warn("Failed to fetch config snapshot, using environment defaults",
			"error", err,
			"fallback_max_sessions", envDefaults.MaxSessions,
			"fallback_recent_findings", envDefaults.RecentFindings)
		return envDefaults
	}
	return snapshot
}

// applyEntry applies one configuration value onto the snapshot. Values may
// arrive JSON-encoded or as bare strings; unknown keys are ignored.
func applyEntry(snapshot *ConfigSnapshot, key string, value json.RawMessage) {
	switch key {
	case "analyzer.max_sessions":
		if n, ok := intValue(value); ok {
			snapshot.MaxSessions = n
		}
	case "analyzer.recent_findings":
		if n, ok := intValue(value); ok {
			snapshot.RecentFindings = n
		}
	case "analyzer.hot_reload":
		if b, ok := boolValue(value); ok {
			snapshot.HotReload = b
		}
	case "analyzer.debounce_ms":
		if n, ok := intValue(value); ok {
			snapshot.DebounceMs = n
		}
	case "analyzer.auto_analyze":
		if b, ok := boolValue(value); ok {
			snapshot.AutoAnalyze = b
		}
	}
}

func intValue(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	if n, err := strconv.Atoi(string(raw)); err == nil {
		return n, true
	}
	return 0, false
}

func boolValue(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	switch string(raw) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	}
	return false, false
}
