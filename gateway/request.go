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

package gateway

import (
	"encoding/json"
	"strings"

	"promptgate/gateway/guardrails"
	"promptgate/gateway/llm"
)

// Operation is the kind of model invocation being governed.
type Operation string

const (
	OperationChat       Operation = "chat"
	OperationCompletion Operation = "completion"
	OperationBatch      Operation = "batch"
	OperationStream     Operation = "stream"
	OperationEmbedding  Operation = "embedding"
)

// Valid reports whether the operation is one of the supported kinds.
func (o Operation) Valid() bool {
	switch o {
	case OperationChat, OperationCompletion, OperationBatch, OperationStream, OperationEmbedding:
		return true
	}
	return false
}

// Payload is the tagged variant for invocation input, resolved once at
// pipeline entry. Either a structured multi-turn chat or a legacy flat prompt.
type Payload interface {
	// CanonicalText returns a single plain-text representation used for
	// guardrail matching: message contents concatenated in order.
	CanonicalText() string

	// Messages returns the ordered conversation sent to the provider.
	Messages() []llm.Message
}

// ChatPayload carries a structured multi-turn message list.
type ChatPayload struct {
	Msgs []llm.Message
}

// CanonicalText implements Payload.
func (p ChatPayload) CanonicalText() string {
	parts := make([]string, 0, len(p.Msgs))
	for _, m := range p.Msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// Messages implements Payload.
func (p ChatPayload) Messages() []llm.Message {
	return p.Msgs
}

// PromptPayload carries a legacy flat prompt string.
type PromptPayload struct {
	Text string
}

// CanonicalText implements Payload.
func (p PromptPayload) CanonicalText() string {
	return p.Text
}

// Messages implements Payload.
func (p PromptPayload) Messages() []llm.Message {
	return []llm.Message{{Role: "user", Content: p.Text}}
}

// rawPayload is the union wire shape accepted from callers.
type rawPayload struct {
	Messages []llm.Message `json:"messages,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
}

// ParsePayload resolves the {messages} | {prompt} union into a tagged
// variant. Supplying both or neither is a validation error.
func ParsePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "payload is required"}
	}

	var rp rawPayload
	if err := json.Unmarshal(raw, &rp); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "payload is not valid JSON"}
	}

	hasMessages := len(rp.Messages) > 0
	hasPrompt := rp.Prompt != ""
	switch {
	case hasMessages && hasPrompt:
		return nil, &ValidationError{Field: "payload", Reason: "payload must carry messages or prompt, not both"}
	case hasMessages:
		for i, m := range rp.Messages {
			if m.Content == "" {
				return nil, &ValidationError{Field: "payload", Reason: "message content must not be empty"}
			}
			if m.Role == "" {
				rp.Messages[i].Role = "user"
			}
		}
		return ChatPayload{Msgs: rp.Messages}, nil
	case hasPrompt:
		return PromptPayload{Text: rp.Prompt}, nil
	default:
		return nil, &ValidationError{Field: "payload", Reason: "payload carries neither messages nor prompt"}
	}
}

// GovernanceRequest is the ephemeral per-call argument of the orchestrator.
// RequestID is a correlation key only, never an idempotency key: duplicate
// IDs are not deduplicated.
type GovernanceRequest struct {
	RequestID string
	Operation Operation
	Model     string
	Payload   Payload

	// ProjectID is the explicit project, when the caller supplies one.
	ProjectID string

	// Credential is the bearer credential, when present.
	Credential string

	// ClientKey identifies the caller for rate limiting (e.g. IP).
	// Falls back to the resolved project when empty.
	ClientKey string

	// CustomRules are caller-supplied additional guardrails. Purely
	// additive: they can never remove or weaken a platform rule.
	CustomRules []guardrails.Rule
}

// GovernanceResult is the structured outcome of one governed invocation.
type GovernanceResult struct {
	RequestID         string   `json:"request_id"`
	Success           bool     `json:"success"`
	Response          string   `json:"response,omitempty"`
	Error             string   `json:"error,omitempty"`
	ErrorCode         string   `json:"error_code,omitempty"`
	ModelUsed         string   `json:"model_used,omitempty"`
	ResponseTimeMS    int64    `json:"response_time_ms"`
	GuardrailsApplied int      `json:"guardrails_applied"`
	TriggeredRuleIDs  []string `json:"triggered_rule_ids,omitempty"`
	Blocked           bool     `json:"blocked,omitempty"`
	ProjectID         string   `json:"project_id"`
}

// estimateTokens is the deliberately cheap whitespace-word proxy used for
// telemetry cost estimates; it is not a tokenizer.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}
