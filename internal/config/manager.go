package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Manager layers config-api snapshots with live updates pushed over NATS.
type Manager struct {
	client        *Client
	nats          *nats.Conn
	logger        *slog.Logger
	currentConfig *ConfigSnapshot
	mu            sync.RWMutex
	subscribers   []func(*ConfigSnapshot)
}

// ConfigChangeMessage is one configuration change published on NATS.
type ConfigChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// NewManager creates a new configuration manager.
func NewManager(configAPIURL string, nats *nats.Conn, logger *slog.Logger) *Manager {
	return &Manager{
		client:      NewClient(configAPIURL, logger),
		nats:        nats,
		logger:      logger,
		subscribers: make([]func(*ConfigSnapshot), 0),
	}
}

// Initialize loads the initial snapshot and subscribes to live changes.
func (m *Manager) Initialize(ctx context.Context, envDefaults *ConfigSnapshot) error {
	m.logger.Info("Loading initial configuration snapshot")
	snapshot := m.client.GetSnapshotWithFallback(envDefaults)
	m.updateConfig(snapshot)

	if err := m.subscribeToConfigChanges(ctx); err != nil {
		m.logger.Error("Failed to subscribe to config changes", "error", err)
		return err
	}

	m.logger.Info("Configuration manager initialized successfully")
	return nil
}

// GetCurrentConfig returns a copy of the current configuration snapshot.
func (m *Manager) GetCurrentConfig() *ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.currentConfig == nil {
		return nil
	}
	config := *m.currentConfig
	return &config
}

// Subscribe registers a callback invoked on every configuration change.
func (m *Manager) Subscribe(callback func(*ConfigSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, callback)
}

func (m *Manager) subscribeToConfigChanges(ctx context.Context) error {
	_, err := m.nats.Subscribe("config.changed", func(msg *nats.Msg) {
		m.handleConfigChange(msg.Data)
	})
	if err != nil {
		return err
	}

	m.logger.Info("Subscribed to config.changed NATS subject")
	return nil
}

func (m *Manager) handleConfigChange(data []byte) {
	var change ConfigChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}

	m.logger.Info("Received configuration change",
		"key", change.Key,
		"updated_by", change.UpdatedBy,
		"timestamp", change.Timestamp)

	m.mu.Lock()
	current := m.currentConfig
	if current == nil {
		current = &ConfigSnapshot{}
	}
	newConfig := *current
	applyEntry(&newConfig, change.Key, change.Value)
	newConfig.LastUpdated = time.Unix(change.Timestamp, 0)
	m.currentConfig = &newConfig
	m.mu.Unlock()

	m.notifySubscribers(&newConfig)

	m.logger.Info("Configuration updated live",
		"key", change.Key,
		"max_sessions", newConfig.MaxSessions,
		"recent_findings", newConfig.RecentFindings,
		"hot_reload", newConfig.HotReload,
		"debounce_ms", newConfig.DebounceMs,
		"auto_analyze", newConfig.AutoAnalyze)
}

func (m *Manager) updateConfig(config *ConfigSnapshot) {
	m.mu.Lock()
	m.currentConfig = config
	m.mu.Unlock()

	m.notifySubscribers(config)
}

func (m *Manager) notifySubscribers(config *ConfigSnapshot) {
	m.mu.RLock()
	subscribers := make([]func(*ConfigSnapshot), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, callback := range subscribers {
		go func(cb func(*ConfigSnapshot)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic in config subscriber callback", "panic", r)
				}
			}()
			cb(config)
		}(callback)
	}
}

// Refresh fetches a fresh snapshot from the config-api, keeping the current
// values when it is unreachable.
func (m *Manager) Refresh() error {
	m.logger.Info("Refreshing configuration from config-api")

	current := m.GetCurrentConfig()
	if current == nil {
		current = &ConfigSnapshot{
			MaxSessions:    10000,
			RecentFindings: 1000,
			HotReload:      false,
			DebounceMs:     1000,
			AutoAnalyze:    true,
		}
	}

	snapshot := m.client.GetSnapshotWithFallback(current)
	m.updateConfig(snapshot)
	return nil
}
