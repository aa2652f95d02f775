// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

// Package guardrails implements the content-policy rule engine that inspects
// every prompt and completion passing through the gateway. Rules combine
// literal keyword matching, regular expressions, and an optional secondary
// model-based adjudication pass.
package guardrails

import (
	"encoding/json"
	"regexp"
	"time"
)

// Stage identifies which side of the provider call is being inspected.
type Stage string

const (
	// StageInput inspects the prompt before it reaches the provider.
	StageInput Stage = "input"

	// StageOutput inspects the completion before it reaches the caller.
	StageOutput Stage = "output"
)

// Severity ranks how serious a rule hit is. Higher values escalate.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityBlock    Severity = "block"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for escalation. Unknown severities rank lowest.
var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityBlock:    3,
	SeverityCritical: 4,
}

// Escalates reports whether s is strictly more severe than other.
func (s Severity) Escalates(other Severity) bool {
	return severityRank[s] > severityRank[other]
}

// Action determines what a rule does to matching content.
type Action string

const (
	// ActionAllow records the hit without affecting the request.
	ActionAllow Action = "allow"

	// ActionBlock stops the request from reaching the provider (input) or
	// substitutes a safe explanation (output).
	ActionBlock Action = "block"

	// ActionSanitize rewrites matched spans with a redaction marker.
	// Sanitized content is never dropped silently.
	ActionSanitize Action = "sanitize"

	// ActionFlag records the hit for audit without any content change.
	ActionFlag Action = "flag"
)

// Rule categories that are eligible for the secondary adjudication pass.
const (
	CategoryContentSafety = "content-safety"
	CategoryBusiness      = "business"
	CategoryCompliance    = "compliance"
)

// RedactionMarker replaces matched spans when a sanitize rule fires.
const RedactionMarker = "[REDACTED]"

// Rule is a single guardrail policy. Rules are created by administrators
// through a Store and held by the Engine as a read-only snapshot; they are
// mutated only through explicit add/update/delete on the Store.
type Rule struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	Severity    Severity        `json:"severity" yaml:"severity"`
	Action      Action          `json:"action" yaml:"action"`
	Category    string          `json:"category" yaml:"category"`
	Pattern     string          `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Keywords    []string        `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Whitelist   []string        `json:"whitelist,omitempty" yaml:"whitelist,omitempty"`
	Priority    int             `json:"priority" yaml:"priority"`
	Metadata    json.RawMessage `json:"metadata,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// compiledRule pairs a Rule with its pre-compiled pattern. Compilation happens
// once per snapshot so evaluation never pays regex compile cost.
type compiledRule struct {
	Rule
	re *regexp.Regexp // nil when Pattern is empty
}

// Verdict is the result of evaluating one text blob against a rule snapshot.
// Verdicts are produced fresh per call and logged, never persisted.
type Verdict struct {
	Allowed bool `json:"allowed"`

	// TriggeredRuleIDs lists hits in evaluation order, first to last.
	TriggeredRuleIDs []string `json:"triggered_rule_ids,omitempty"`

	// SanitizedText is present only when content was rewritten.
	SanitizedText string `json:"sanitized_text,omitempty"`

	// Sanitized reports whether SanitizedText differs from the input.
	Sanitized bool `json:"sanitized"`

	HighestSeverity Severity `json:"highest_severity,omitempty"`
	Reason          string   `json:"reason,omitempty"`

	// BlockedCategories carries the categories of block hits, used on the
	// output stage to pick a safe substitute response.
	BlockedCategories []string `json:"blocked_categories,omitempty"`
}

// RuleEvent is an audit-trail entry recorded whenever a rule triggers.
type RuleEvent struct {
	RequestID      string    `json:"request_id"`
	ProjectID      string    `json:"project_id"`
	RuleID         string    `json:"rule_id"`
	Action         Action    `json:"action"`
	Stage          Stage     `json:"stage"`
	ContentPreview string    `json:"content_preview"`
	Timestamp      time.Time `json:"timestamp"`
}
