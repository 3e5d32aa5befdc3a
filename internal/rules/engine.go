// Package rules decides which execute orders may reach a remote host.
package rules

import (
	"fmt"
	"sync"
)

// Actions a rule can take.
const (
	ActionAllow = "allow"
	ActionBlock = "block"
)

// Rule defines a single filtering rule. A rule applies when every pattern
// it sets matches the order.
type Rule struct {
	ID          string `yaml:"id"`
	Pattern     string `yaml:"pattern,omitempty"`     // Command pattern to match (glob syntax)
	Host        string `yaml:"host,omitempty"`        // Host pattern to match
	Action      string `yaml:"action"`                // "block" or "allow"
	Description string `yaml:"description,omitempty"` // Human-readable description
	Enabled     bool   `yaml:"enabled"`
}

// RuleSet is a collection of rules.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// Engine evaluates orders against rules. Safe for concurrent use.
type Engine struct {
	mu            sync.RWMutex
	compiled      []*CompiledRule
	rulesPath     string
	defaultAction string
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithDefaultAction sets the action used when no rule matches.
// Default is "allow".
func WithDefaultAction(action string) EngineOption {
	return func(e *Engine) {
		e.defaultAction = action
	}
}

// NewEngine creates an engine with no rules.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		compiled:      make([]*CompiledRule, 0),
		defaultAction: ActionAllow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadRules loads rules from a YAML file.
func (e *Engine) LoadRules(path string) error {
	rs, err := LoadFromFile(path)
	if err != nil {
		return err
	}
	compiled, err := compileRuleSet(rs)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled = compiled
	e.rulesPath = path
	e.mu.Unlock()
	return nil
}

// LoadRulesFromBytes loads rules from YAML bytes.
func (e *Engine) LoadRulesFromBytes(data []byte) error {
	rs, err := LoadFromBytes(data)
	if err != nil {
		return err
	}
	compiled, err := compileRuleSet(rs)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	return nil
}

// Reload re-reads the file given to LoadRules.
func (e *Engine) Reload() error {
	e.mu.RLock()
	path := e.rulesPath
	e.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no rules path set; call LoadRules first")
	}
	return e.LoadRules(path)
}

// RulesPath returns the currently loaded rules file path.
func (e *Engine) RulesPath() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rulesPath
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// CheckOrder evaluates an execute order. The first enabled rule whose
// patterns all match decides; otherwise the default action applies.
func (e *Engine) CheckOrder(host, command string) (allowed bool, matchedRule *Rule, reason string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cr := range e.compiled {
		if !cr.Rule.Enabled || !cr.Match(host, command) {
			continue
		}
		if cr.Rule.Action == ActionBlock {
			return false, cr.Rule, fmt.Sprintf("blocked by rule %s: %s", cr.Rule.ID, cr.Rule.Description)
		}
		return true, cr.Rule, fmt.Sprintf("allowed by rule %s: %s", cr.Rule.ID, cr.Rule.Description)
	}

	if e.defaultAction == ActionBlock {
		return false, nil, "blocked by default policy"
	}
	return true, nil, "allowed by default policy"
}

func compileRuleSet(rs *RuleSet) ([]*CompiledRule, error) {
	compiled := make([]*CompiledRule, 0, len(rs.Rules))
	for i := range rs.Rules {
		cr, err := CompileRule(&rs.Rules[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", rs.Rules[i].ID, err)
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}
