package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/provisionhq/analyzer/internal/api"
	"github.com/provisionhq/analyzer/internal/config"
	"github.com/provisionhq/analyzer/internal/metrics"
	analyzerNats "github.com/provisionhq/analyzer/internal/nats"
	"github.com/provisionhq/analyzer/internal/rules"
	"github.com/provisionhq/analyzer/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting ESP Session Analyzer")

	httpAddr := getEnv("ANALYZER_HTTP_ADDR", ":8080")
	natsURL := getEnv("ANALYZER_NATS_URL", "nats://localhost:4222")
	configAPIURL := getEnv("CONFIG_API_URL", "http://localhost:8085")
	rulesDir := getEnv("ANALYZER_RULES_DIR", "rules.d")
	maxSessions := getEnvInt("ANALYZER_MAX_SESSIONS", 10000)
	recentFindings := getEnvInt("ANALYZER_RECENT_FINDINGS", 1000)
	hotReload := strings.ToLower(getEnv("ANALYZER_HOT_RELOAD", "false")) == "true"
	debounceMs := getEnvInt("ANALYZER_DEBOUNCE_MS", 1000)
	autoAnalyze := strings.ToLower(getEnv("ANALYZER_AUTO_ANALYZE", "true")) == "true"

	logger.Info("Configuration loaded",
		"http_addr", httpAddr,
		"nats_url", natsURL,
		"config_api_url", configAPIURL,
		"rules_dir", rulesDir,
		"max_sessions", maxSessions,
		"recent_findings", recentFindings,
		"hot_reload", hotReload,
		"debounce_ms", debounceMs,
		"auto_analyze", autoAnalyze)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	logger.Info("Connected to NATS")

	configManager := config.NewManager(configAPIURL, nc, logger)
	envDefaults := &config.ConfigSnapshot{
		MaxSessions:    maxSessions,
		RecentFindings: recentFindings,
		HotReload:      hotReload,
		DebounceMs:     debounceMs,
		AutoAnalyze:    autoAnalyze,
	}
	if err := configManager.Initialize(ctx, envDefaults); err != nil {
		logger.Warn("Failed to initialize configuration manager, using environment defaults", "error", err)
	}
	currentConfig := configManager.GetCurrentConfig()
	if currentConfig == nil {
		currentConfig = envDefaults
	}

	memoryStore, err := store.NewMemoryStore(currentConfig.MaxSessions, currentConfig.RecentFindings)
	if err != nil {
		logger.Error("Failed to create memory store", "error", err)
		os.Exit(1)
	}
	logger.Info("Memory store initialized",
		"max_sessions", currentConfig.MaxSessions,
		"recent_findings", currentConfig.RecentFindings)

	prometheusMetrics := metrics.NewMetrics()

	ruleLoader := rules.NewLoader(rulesDir, currentConfig.HotReload, currentConfig.DebounceMs, logger)
	overrideManager := rules.NewOverrideManagerWithMetrics(logger, prometheusMetrics)

	if _, err := ruleLoader.LoadSnapshot(); err != nil {
		logger.Error("Failed to load initial rules snapshot", "error", err)
		os.Exit(1)
	}
	snapshot := ruleLoader.GetSnapshot()
	prometheusMetrics.SetRulesLoaded(float64(len(snapshot.Rules)))
	prometheusMetrics.SetRuleOverrides(float64(len(overrideManager.ListOverrides())))

	if err := ruleLoader.WatchForChanges(); err != nil {
		logger.Error("Failed to start rule watcher", "error", err)
		os.Exit(1)
	}

	go func() {
		for range ruleLoader.Subscribe() {
			prometheusMetrics.SetRulesLoaded(float64(len(ruleLoader.GetSnapshot().Rules)))
		}
	}()

	sessionAnalyzer := rules.NewAnalyzer(prometheusMetrics, logger)
	publisher := analyzerNats.NewPublisher(nc, logger)
	analysisService := api.NewService(memoryStore, ruleLoader, overrideManager, sessionAnalyzer, publisher, prometheusMetrics, logger)

	subscriber := analyzerNats.NewSubscriber(nc, memoryStore, analysisService, "analyzer", currentConfig.AutoAnalyze, prometheusMetrics, logger)

	httpAPI := api.NewHTTPAPI(memoryStore, ruleLoader, overrideManager, analysisService, prometheusMetrics, nc)
	mux := http.NewServeMux()
	httpAPI.SetupRoutes(mux)

	server := &http.Server{
		Addr:    httpAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", httpAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	subscriberDone := make(chan error, 1)
	go func() {
		subscriberDone <- subscriber.Subscribe(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	select {
	case err := <-subscriberDone:
		if err != nil {
			logger.Error("Subscriber shutdown failed", "error", err)
		}
	case <-time.After(10 * time.Second):
		logger.Warn("Subscriber shutdown timed out")
	}

	logger.Info("Analyzer stopped")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
