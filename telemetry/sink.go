// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

// Package telemetry emits the audit record every governed request must leave
// behind. Exactly one record is produced per terminal state (completed,
// blocked, failed), correlated by request ID.
package telemetry

import (
	"context"
	"time"
)

// Status is the terminal state a record describes.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
)

// Record is one audit entry correlating a request to its governance outcome.
// Token counts are whitespace-word estimates, a deliberately cheap proxy
// rather than a real tokenizer.
type Record struct {
	RequestID       string    `json:"request_id"`
	ProjectID       string    `json:"project_id"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	Status          Status    `json:"status"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	ElapsedMS       int64     `json:"elapsed_ms"`
	Cost            float64   `json:"cost"`
	PromptPreview   string    `json:"prompt_preview,omitempty"`
	ResponsePreview string    `json:"response_preview,omitempty"`
	TriggeredRules  []string  `json:"triggered_rules,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Sink receives audit records. Record must not return until the entry is
// durable: the gateway treats a sink failure on the success path as fatal
// for the whole request.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// AsyncSink is implemented by sinks that also offer best-effort, queued
// delivery for the blocked and failed paths, where an error response has
// already been produced and durability is desirable but not mandatory.
type AsyncSink interface {
	Sink
	RecordAsync(rec Record)
}

// PreviewLimit truncates prompt/response previews stored in records.
const PreviewLimit = 200

// Truncate shortens s to PreviewLimit runes for preview fields.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= PreviewLimit {
		return s
	}
	return string(runes[:PreviewLimit]) + "..."
}
