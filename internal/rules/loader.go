package rules

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads detection rules from a directory of YAML files and serves
// immutable snapshots of the result.
type Loader struct {
	rulesDir   string
	hotReload  bool
	logger     *slog.Logger
	mu         sync.RWMutex
	snapshot   *RuleSnapshot
	watchers   []chan struct{}
	debounceMs int
}

// NewLoader creates a new rule loader.
func NewLoader(rulesDir string, hotReload bool, debounceMs int, logger *slog.Logger) *Loader {
	return &Loader{
		rulesDir:   rulesDir,
		hotReload:  hotReload,
		logger:     logger,
		debounceMs: debounceMs,
	}
}

// LoadSnapshot loads all rules from the rules directory. Disabled and
// invalid rules are skipped; duplicate rule IDs are resolved by filename
// order, later file wins. Factor conditions are compiled here so evaluation
// never re-parses them.
func (l *Loader) LoadSnapshot() (*RuleSnapshot, error) {
	l.logger.Info("Loading rules snapshot", "rules_dir", l.rulesDir)

	ruleFiles, err := l.readRuleFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read rule files: %w", err)
	}

	var allRules []Rule
	ruleMap := make(map[string]Rule)

	for _, file := range ruleFiles {
		rules, err := l.loadRulesFromFile(file)
		if err != nil {
			l.logger.Warn("Failed to load rules from file", "file", file, "error", err)
			continue
		}

		for _, rule := range rules {
			if !rule.IsEnabled() {
				l.logger.Debug("Skipping disabled rule", "rule_id", rule.ID, "file", file)
				continue
			}

			if err := rule.Validate(); err != nil {
				l.logger.Warn("Invalid rule skipped", "rule_id", rule.ID, "file", file, "error", err)
				continue
			}

			if existingRule, exists := ruleMap[rule.ID]; exists {
				l.logger.Info("Rule ID conflict resolved by filename override",
					"rule_id", rule.ID,
					"new_file", file,
					"old_file", existingRule.SourceFile)
			}

			rule.SourceFile = file
			rule.Compile()
			ruleMap[rule.ID] = rule
		}
	}

	for _, rule := range ruleMap {
		allRules = append(allRules, rule)
	}

	sort.Slice(allRules, func(i, j int) bool {
		return allRules[i].ID < allRules[j].ID
	})

	snapshot := &RuleSnapshot{
		Rules:   allRules,
		Version: time.Now().UnixNano(),
	}

	l.logger.Info("Rules snapshot loaded",
		"total_rules", len(allRules),
		"version", snapshot.Version)

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.notifyWatchers()

	return snapshot, nil
}

// GetSnapshot returns the current rules snapshot.
func (l *Loader) GetSnapshot() *RuleSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return &RuleSnapshot{Rules: []Rule{}, Version: 0}
	}

	rules := make([]Rule, len(l.snapshot.Rules))
	copy(rules, l.snapshot.Rules)

	return &RuleSnapshot{
		Rules:   rules,
		Version: l.snapshot.Version,
	}
}

// FileSummaries reports per-file rule counts for the rules API.
func (l *Loader) FileSummaries() []RuleFileSummary {
	snapshot := l.GetSnapshot()

	byFile := make(map[string]*RuleFileSummary)
	var order []string
	for _, rule := range snapshot.Rules {
		summary, exists := byFile[rule.SourceFile]
		if !exists {
			summary = &RuleFileSummary{Filename: rule.SourceFile}
			byFile[rule.SourceFile] = summary
			order = append(order, rule.SourceFile)
		}
		summary.RuleCount++
	}

	sort.Strings(order)
	summaries := make([]RuleFileSummary, 0, len(order))
	for _, file := range order {
		summaries = append(summaries, *byFile[file])
	}
	return summaries
}

// WatchForChanges starts watching for rule file changes when hot reload is
// enabled.
func (l *Loader) WatchForChanges() error {
	if !l.hotReload {
		l.logger.Info("Hot reload disabled")
		return nil
	}

	l.logger.Info("Starting rule file watcher", "rules_dir", l.rulesDir)

	reloadChan := make(chan struct{}, 1)

	go l.watchFiles(reloadChan)
	go l.debouncedReload(reloadChan)

	return nil
}

// Subscribe returns a channel that receives a notification whenever the
// snapshot changes.
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	go func() {
		ch <- struct{}{}
	}()

	return ch
}

// readRuleFiles lists rule files in the rules directory, sorted by filename
// so ID conflicts resolve deterministically.
func (l *Loader) readRuleFiles() ([]string, error) {
	var files []string

	err := filepath.WalkDir(l.rulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// loadRulesFromFile parses one YAML file holding either a single rule or a
// list of rules.
func (l *Loader) loadRulesFromFile(filename string) ([]Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var rules []Rule

	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err == nil && rule.ID != "" {
		rules = append(rules, rule)
	} else {
		if err := yaml.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	l.logger.Debug("Loaded rules from file", "file", filename, "count", len(rules))
	return rules, nil
}

// watchFiles polls the rules directory for modification-time changes.
func (l *Loader) watchFiles(reloadChan chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastModTime time.Time

	for range ticker.C {
		hasChanges := false

		err := filepath.WalkDir(l.rulesDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".yaml" || ext == ".yml" {
				info, err := d.Info()
				if err != nil {
					return err
				}
				if info.ModTime().After(lastModTime) {
					lastModTime = info.ModTime()
					hasChanges = true
				}
			}
			return nil
		})
		if err != nil {
			l.logger.Error("Error watching files", "error", err)
			continue
		}

		if hasChanges {
			l.logger.Info("Rule files changed, triggering reload")
			select {
			case reloadChan <- struct{}{}:
			default:
			}
		}
	}
}

// debouncedReload coalesces bursts of file changes into one reload.
func (l *Loader) debouncedReload(reloadChan chan struct{}) {
	var timer *time.Timer

	for range reloadChan {
		if timer != nil {
			timer.Stop()
		}

		timer = time.AfterFunc(time.Duration(l.debounceMs)*time.Millisecond, func() {
			l.logger.Info("Debounced reload triggered")
			if _, err := l.LoadSnapshot(); err != nil {
				l.logger.Error("Failed to reload rules", "error", err)
			}
		})
	}
}

func (l *Loader) notifyWatchers() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
