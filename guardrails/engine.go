// Copyright 2025 PromptGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guardrails

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"promptgate/gateway/shared/logger"
)

// ErrEmptyRuleSet is returned when a store yields no rules at startup.
// The gateway treats this as fail-secure: no requests are served until the
// rule set is repaired.
var ErrEmptyRuleSet = errors.New("guardrails: rule store returned no rules")

// Adjudicator is the optional secondary model-based check consulted for
// content-safety, business, and compliance rules.
type Adjudicator interface {
	// Adjudicate asks whether text violates the given rule. Errors are
	// treated as "no additional signal" by the engine, never as a hit.
	Adjudicate(ctx context.Context, rule Rule, text string, stage Stage) (*AdjudicationResult, error)
}

// AdjudicationResult is the adjudicator's answer for one rule.
type AdjudicationResult struct {
	Violation  bool    `json:"violation"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Adjudicator confidence thresholds. An affirmative needs 0.7 to add a hit;
// a negative needs 0.8 to clear a deterministic hit. A model override never
// escalates an otherwise-clean deterministic result into a different action.
const (
	adjudicatorHitConfidence   = 0.7
	adjudicatorClearConfidence = 0.8
)

// ruleSnapshot is an immutable compiled rule set. Snapshots are replaced
// wholesale on reload so concurrent readers never observe a partial set.
type ruleSnapshot struct {
	rules []compiledRule
}

// Engine evaluates text against the active rule snapshot. Evaluation is
// read-only on the snapshot and safe for unlimited parallel callers.
type Engine struct {
	store       Store
	adjudicator Adjudicator
	log         *logger.Logger

	mu       sync.RWMutex
	snapshot *ruleSnapshot
}

// EngineOption customizes Engine construction.
type EngineOption func(*Engine)

// WithAdjudicator enables the secondary model-based pass.
func WithAdjudicator(a Adjudicator) EngineOption {
	return func(e *Engine) { e.adjudicator = a }
}

// WithLogger overrides the default component logger.
func WithLogger(l *logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// NewEngine loads and compiles the initial rule set from the store.
// It fails if the store yields no rules or any enabled rule does not compile;
// the caller must treat that as a fatal configuration error.
func NewEngine(ctx context.Context, store Store, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		store: store,
		log:   logger.New("guardrail-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload replaces the rule snapshot from the store. On failure the previous
// snapshot stays active and the error is returned.
func (e *Engine) Reload(ctx context.Context) error {
	rules, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("guardrails: loading rules: %w", err)
	}
	if len(rules) == 0 {
		return ErrEmptyRuleSet
	}

	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.snapshot = &ruleSnapshot{rules: compiled}
	e.mu.Unlock()

	e.log.Info("", "", "rule snapshot reloaded", map[string]any{"rules": len(compiled)})
	return nil
}

// Ready reports whether the engine holds a usable rule snapshot.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot != nil && len(e.snapshot.rules) > 0
}

// Rules returns a copy of the active rule set, without compiled state.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.snapshot == nil {
		return nil
	}
	out := make([]Rule, 0, len(e.snapshot.rules))
	for _, cr := range e.snapshot.rules {
		out = append(out, cr.Rule)
	}
	return out
}

// Evaluate runs the active rule set against text for the given stage.
func (e *Engine) Evaluate(ctx context.Context, text string, stage Stage) (*Verdict, error) {
	return e.EvaluateWith(ctx, text, stage, nil)
}

// EvaluateWith runs the active rule set plus caller-supplied extra rules.
// Extra rules are purely additive: they run after the platform set and can
// never remove or weaken a platform rule.
func (e *Engine) EvaluateWith(ctx context.Context, text string, stage Stage, extra []Rule) (*Verdict, error) {
	e.mu.RLock()
	snap := e.snapshot
	e.mu.RUnlock()

	if snap == nil || len(snap.rules) == 0 {
		return nil, ErrEmptyRuleSet
	}

	rules := snap.rules
	if len(extra) > 0 {
		compiledExtra, err := compileRules(extra)
		if err != nil {
			return nil, fmt.Errorf("guardrails: custom rules: %w", err)
		}
		rules = make([]compiledRule, 0, len(snap.rules)+len(compiledExtra))
		rules = append(rules, snap.rules...)
		rules = append(rules, compiledExtra...)
	}

	verdict := &Verdict{Allowed: true}
	sanitized := text
	blocked := false

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		hit := e.deterministicMatch(rule, text)

		if e.adjudicator != nil && adjudicableCategory(rule.Category) {
			res, err := e.adjudicator.Adjudicate(ctx, rule.Rule, text, stage)
			switch {
			case err != nil:
				// No additional signal; the deterministic result stands.
				e.log.Warn("", "", "adjudicator unavailable", map[string]any{
					"rule_id": rule.ID, "error": err.Error(),
				})
			case res.Violation && res.Confidence >= adjudicatorHitConfidence:
				hit = true
			case !res.Violation && res.Confidence >= adjudicatorClearConfidence && hit:
				hit = false
			}
		}

		if !hit {
			continue
		}

		verdict.TriggeredRuleIDs = append(verdict.TriggeredRuleIDs, rule.ID)
		if rule.Severity.Escalates(verdict.HighestSeverity) {
			verdict.HighestSeverity = rule.Severity
		}

		switch rule.Action {
		case ActionBlock:
			verdict.Allowed = false
			verdict.BlockedCategories = appendUnique(verdict.BlockedCategories, rule.Category)
			// Keep evaluating remaining rules for complete telemetry, but
			// stop accumulating sanitizations for this call.
			blocked = true
		case ActionSanitize:
			if !blocked {
				sanitized = rule.sanitize(sanitized)
			}
		case ActionFlag, ActionAllow:
			// Recorded only.
		}
	}

	if !blocked && sanitized != text {
		verdict.SanitizedText = sanitized
		verdict.Sanitized = true
	}
	verdict.Reason = summarize(verdict)
	return verdict, nil
}

// deterministicMatch applies steps 1-2 of rule evaluation: whitelist
// suppression, keyword substring matching, and pattern matching.
func (e *Engine) deterministicMatch(rule compiledRule, text string) bool {
	lower := strings.ToLower(text)

	// Whitelist suppresses the whole rule; it never escalates.
	for _, w := range rule.Whitelist {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return false
		}
	}

	for _, kw := range rule.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}

	// A pattern match counts as a hit regardless of keyword outcome.
	if rule.re != nil && rule.re.MatchString(text) {
		return true
	}
	return false
}

// sanitize rewrites matched spans on the running copy with the redaction
// marker. Applying it to already-sanitized text is a no-op.
func (r compiledRule) sanitize(text string) string {
	out := text
	for _, kw := range r.Keywords {
		if kw == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(kw))
		if err != nil {
			continue
		}
		out = re.ReplaceAllString(out, RedactionMarker)
	}
	if r.re != nil {
		out = r.re.ReplaceAllString(out, RedactionMarker)
	}
	return out
}

// compileRules validates and compiles a rule list into stable evaluation
// order: priority descending, then ID ascending.
func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		if r.Pattern != "" {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("guardrails: rule %s: invalid pattern %q: %w", r.ID, r.Pattern, err)
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].ID < compiled[j].ID
	})
	return compiled, nil
}

func adjudicableCategory(category string) bool {
	switch category {
	case CategoryContentSafety, CategoryBusiness, CategoryCompliance:
		return true
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func summarize(v *Verdict) string {
	switch {
	case len(v.TriggeredRuleIDs) == 0:
		return "no guardrail rules triggered"
	case !v.Allowed:
		return fmt.Sprintf("blocked by %d guardrail rule(s)", len(v.TriggeredRuleIDs))
	case v.Sanitized:
		return fmt.Sprintf("sanitized by %d guardrail rule(s)", len(v.TriggeredRuleIDs))
	default:
		return fmt.Sprintf("%d guardrail rule(s) flagged", len(v.TriggeredRuleIDs))
	}
}
