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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"promptgate/gateway/llm"
)

// adjudicatorSystemPrompt instructs the model to answer with machine-parseable
// JSON only. Anything else is treated as an adjudication failure.
const adjudicatorSystemPrompt = `You are a content policy reviewer for an LLM gateway.
Given a policy rule and a piece of content, decide whether the content violates that specific rule.
Respond with a single JSON object and nothing else:
{"violation": true|false, "confidence": 0.0-1.0, "rationale": "one sentence"}`

// DefaultAdjudicationTimeout bounds a single adjudication call so a slow
// secondary model cannot stall the deterministic pipeline.
const DefaultAdjudicationTimeout = 10 * time.Second

// ModelAdjudicator implements Adjudicator on top of any llm.Provider.
// It is a first-class awaited step of the evaluation pipeline; failures are
// reported to the engine, which treats them as "no additional signal".
type ModelAdjudicator struct {
	provider llm.Provider
	model    string
	timeout  time.Duration
}

// NewModelAdjudicator creates an adjudicator backed by the given provider.
// model may be empty to use the provider's default.
func NewModelAdjudicator(provider llm.Provider, model string) *ModelAdjudicator {
	return &ModelAdjudicator{
		provider: provider,
		model:    model,
		timeout:  DefaultAdjudicationTimeout,
	}
}

// Adjudicate implements Adjudicator.
func (a *ModelAdjudicator) Adjudicate(ctx context.Context, rule Rule, text string, stage Stage) (*AdjudicationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Rule %q (category %s): %s\nKeywords: %s\nStage: %s\n\nContent to review:\n%s",
		rule.Name, rule.Category, rule.Description,
		strings.Join(rule.Keywords, ", "), stage, text,
	)

	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Model:        a.model,
		SystemPrompt: adjudicatorSystemPrompt,
		MaxTokens:    256,
		Temperature:  llm.Temperature(0),
	})
	if err != nil {
		return nil, fmt.Errorf("guardrails: adjudication call: %w", err)
	}

	result, err := parseAdjudication(resp.Content)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseAdjudication extracts the JSON verdict from the model output.
// Models occasionally wrap JSON in prose or code fences, so the parser scans
// for the outermost object instead of requiring a clean body.
func parseAdjudication(content string) (*AdjudicationResult, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("guardrails: adjudicator returned no JSON object: %.80q", content)
	}

	var result AdjudicationResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("guardrails: parsing adjudication: %w", err)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("guardrails: adjudication confidence %.2f out of range", result.Confidence)
	}
	return &result, nil
}
