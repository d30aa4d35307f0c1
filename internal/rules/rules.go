// Package rules evaluates configured turn hooks: boolean expressions over
// the facts of a completed possess turn. A firing rule logs and counts; it
// never changes the turn's outcome.
package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule pairs a name with a boolean condition over turn facts.
type Rule struct {
	Name string `yaml:"name"`
	When string `yaml:"when"`
}

// Facts is the environment a rule condition sees.
type Facts struct {
	Agent            string `expr:"agent"`
	SessionID        string `expr:"session_id"`
	CommandGenerated bool   `expr:"command_generated"`
	CommandName      string `expr:"command_name"`
	Language         string `expr:"language"`
	MessageCount     int    `expr:"message_count"`
}

func (f Facts) env() map[string]interface{} {
	return map[string]interface{}{
		"agent":             f.Agent,
		"session_id":        f.SessionID,
		"command_generated": f.CommandGenerated,
		"command_name":      f.CommandName,
		"language":          f.Language,
		"message_count":     f.MessageCount,
	}
}

type compiledRule struct {
	name    string
	source  string
	program *vm.Program
}

// Engine holds compiled rules and per-rule fire counts.
type Engine struct {
	logger *slog.Logger
	rules  []compiledRule

	mu    sync.Mutex
	fired map[string]int64
}

// NewEngine compiles the rule set. A rule that does not compile is rejected
// up front rather than failing turns later.
func NewEngine(ruleset []Rule, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env := Facts{}.env()
	compiled := make([]compiledRule, 0, len(ruleset))
	for _, r := range ruleset {
		if r.Name == "" {
			return nil, fmt.Errorf("rule with empty name")
		}
		if r.When == "" {
			return nil, fmt.Errorf("rule %q has no condition", r.Name)
		}
		program, err := expr.Compile(r.When, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{name: r.Name, source: r.When, program: program})
	}

	return &Engine{
		logger: logger,
		rules:  compiled,
		fired:  make(map[string]int64),
	}, nil
}

// Evaluate runs every rule against the turn facts and returns the names of
// those that fired. Evaluation errors are logged and skipped; rules are
// observers, not gatekeepers.
func (e *Engine) Evaluate(facts Facts) []string {
	env := facts.env()

	var hits []string
	for _, r := range e.rules {
		result, err := expr.Run(r.program, env)
		if err != nil {
			e.logger.Warn("rule evaluation failed", "rule", r.name, "error", err)
			continue
		}
		ok, isBool := result.(bool)
		if !isBool || !ok {
			continue
		}

		e.mu.Lock()
		e.fired[r.name]++
		e.mu.Unlock()

		e.logger.Info("rule fired",
			"rule", r.name, "agent", facts.Agent, "session", facts.SessionID)
		hits = append(hits, r.name)
	}
	return hits
}

// FireCount returns how often the named rule has fired.
func (e *Engine) FireCount(name string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired[name]
}
