// ABOUTME: Risk classification and auto-approval rule table loaded from TOML
// ABOUTME: First-match evaluation with a hard no-auto-approval floor for critical risk

package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/2389/muster/internal/store"
)

// rawTable is the TOML shape of a rules file.
type rawTable struct {
	DefaultRisk string    `toml:"default_risk"`
	Rules       []rawRule `toml:"rule"`
}

type rawRule struct {
	// RequestType empty means the rule applies to every request type.
	RequestType string `toml:"request_type"`
	Pattern     string `toml:"pattern"`
	Risk        string `toml:"risk"`
	AutoApprove bool   `toml:"auto_approve"`
}

// rule is a compiled rule.
type rule struct {
	requestType string
	pattern     *regexp.Regexp
	risk        string
	autoApprove bool
}

// Table evaluates requests against an ordered rule list. Safe for
// concurrent use; Reload swaps the rule set atomically.
type Table struct {
	mu          sync.RWMutex
	rules       []rule
	defaultRisk string
	path        string
	logger      *slog.Logger
}

// Assessment is the outcome of evaluating one request.
type Assessment struct {
	Risk        string
	AutoApprove bool
	Matched     bool // false when the default risk applied
}

// Load reads and compiles a rules file.
func Load(path string) (*Table, error) {
	t := &Table{
		path:   path,
		logger: slog.Default().With("component", "rules"),
	}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the rules file. On error the existing table is kept.
func (t *Table) Reload() error {
	var raw rawTable
	if _, err := toml.DecodeFile(t.path, &raw); err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}

	defaultRisk := raw.DefaultRisk
	if defaultRisk == "" {
		defaultRisk = store.RiskHigh
	}
	if !validRisk(defaultRisk) {
		return fmt.Errorf("invalid default_risk %q", defaultRisk)
	}

	compiled := make([]rule, 0, len(raw.Rules))
	for i, r := range raw.Rules {
		if !validRisk(r.Risk) {
			return fmt.Errorf("rule %d: invalid risk %q", i, r.Risk)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("rule %d: compiling pattern: %w", i, err)
		}
		compiled = append(compiled, rule{
			requestType: r.RequestType,
			pattern:     re,
			risk:        r.Risk,
			autoApprove: r.AutoApprove,
		})
	}

	t.mu.Lock()
	t.rules = compiled
	t.defaultRisk = defaultRisk
	t.mu.Unlock()

	t.logger.Info("rules loaded", "path", t.path, "rules", len(compiled), "default_risk", defaultRisk)
	return nil
}

// Assess classifies a request. The critical floor is applied here:
// auto-approval is forced off for critical risk regardless of the rule.
func (t *Table) Assess(requestType, command string) Assessment {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.rules {
		// Empty request_type matches every type.
		if r.requestType != "" && r.requestType != requestType {
			continue
		}
		if !r.pattern.MatchString(command) {
			continue
		}
		auto := r.autoApprove
		if r.risk == store.RiskCritical {
			auto = false
		}
		return Assessment{Risk: r.risk, AutoApprove: auto, Matched: true}
	}

	return Assessment{Risk: t.defaultRisk, AutoApprove: false}
}

func validRisk(risk string) bool {
	switch risk {
	case store.RiskLow, store.RiskMedium, store.RiskHigh, store.RiskCritical:
		return true
	}
	return false
}
