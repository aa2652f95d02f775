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

// Package gateway implements the request governance pipeline: per-request
// orchestration of authentication, rate limiting, input/output guardrail
// inspection, provider invocation, and mandatory audit telemetry. No request
// reaches or leaves a provider without passing through all of it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"promptgate/gateway/auth"
	"promptgate/gateway/guardrails"
	"promptgate/gateway/llm"
	"promptgate/gateway/shared/logger"
	"promptgate/gateway/telemetry"
)

// DefaultProject is the sentinel project used when resolution from a bearer
// credential is ambiguous. A deliberately permissive fallback: requests are
// still rate-limited, inspected, and audited under it, but not authenticated.
const DefaultProject = "default"

// DefaultCostPerToken prices the whitespace-word token estimate for budget
// consumption and telemetry cost fields.
const DefaultCostPerToken = 0.00002

// OrchestratorConfig tunes pipeline behavior.
type OrchestratorConfig struct {
	// DefaultProject overrides the sentinel fallback project.
	DefaultProject string

	// EnforceBudget enables the explicit budget consumption stage before
	// the provider call. Off by default.
	EnforceBudget bool

	// CostPerToken prices estimated tokens. Zero uses DefaultCostPerToken.
	CostPerToken float64
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.DefaultProject == "" {
		c.DefaultProject = DefaultProject
	}
	if c.CostPerToken <= 0 {
		c.CostPerToken = DefaultCostPerToken
	}
	return c
}

// RateLimiter gates requests per client key. Satisfied by both the in-memory
// sliding window (via LocalLimiter) and the Redis-backed limiter.
type RateLimiter interface {
	Allow(ctx context.Context, clientKey string) bool
}

// Orchestrator sequences the governance pipeline. All collaborators are
// injected at construction; there are no ambient singletons, so tests can
// instantiate isolated pipelines per rule set.
type Orchestrator struct {
	engine    *guardrails.Engine
	ruleStore guardrails.Store
	sessions  *auth.SessionManager
	limiter   RateLimiter
	provider  llm.Provider
	sink      telemetry.Sink
	cfg       OrchestratorConfig
	log       *logger.Logger
}

// NewOrchestrator wires the pipeline. The engine must already hold a rule
// snapshot; a gateway without guardrails fails secure instead of failing open.
func NewOrchestrator(
	engine *guardrails.Engine,
	ruleStore guardrails.Store,
	sessions *auth.SessionManager,
	limiter RateLimiter,
	provider llm.Provider,
	sink telemetry.Sink,
	cfg OrchestratorConfig,
) (*Orchestrator, error) {
	if engine == nil || !engine.Ready() {
		return nil, &ConfigurationError{Reason: "guardrail engine is not initialized"}
	}
	if sink == nil {
		return nil, &ConfigurationError{Reason: "telemetry sink is required"}
	}
	if limiter == nil {
		return nil, &ConfigurationError{Reason: "rate limiter is required"}
	}
	if provider == nil {
		return nil, &ConfigurationError{Reason: "llm provider is required"}
	}
	if sessions == nil {
		return nil, &ConfigurationError{Reason: "session manager is required"}
	}

	return &Orchestrator{
		engine:    engine,
		ruleStore: ruleStore,
		sessions:  sessions,
		limiter:   limiter,
		provider:  provider,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		log:       logger.New("governance-orchestrator"),
	}, nil
}

// Invoke runs one request through the governance pipeline.
//
// Expected failures (authentication, authorization, validation, rate limit,
// guardrail block, provider errors, budget) are returned as structured failed
// results with a nil error. The returned error is non-nil only for the
// fail-secure configuration gate and for telemetry failures on the success
// path, where the gateway refuses to answer rather than lose an audit record.
func (o *Orchestrator) Invoke(ctx context.Context, req GovernanceRequest) (*GovernanceResult, error) {
	start := time.Now()

	// Hard safety gate, not a per-request policy: if the engine lost its
	// rule snapshot the gateway refuses to serve anything.
	if !o.engine.Ready() {
		return nil, &ConfigurationError{Reason: "guardrail engine has no rule snapshot; refusing to serve"}
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	projectID := o.resolveProject(req)

	// Audit steps must run to completion even if the caller disconnects:
	// cancellation never skips provider accounting or telemetry.
	ctx = context.WithoutCancel(ctx)

	if !req.Operation.Valid() {
		return o.failed(ctx, req, projectID, start, &ValidationError{
			Field: "operation", Reason: fmt.Sprintf("unsupported operation %q", req.Operation),
		}, nil), nil
	}
	if req.Payload == nil {
		return o.failed(ctx, req, projectID, start, &ValidationError{
			Field: "payload", Reason: "payload is required",
		}, nil), nil
	}

	var session *auth.ProjectSession
	if req.Credential != "" {
		var err error
		session, err = o.sessions.Authenticate(ctx, req.Credential, projectID)
		if err != nil {
			return o.failed(ctx, req, projectID, start, err, nil), nil
		}
		if err := o.sessions.CheckPermission(session, "llm:"+string(req.Operation)); err != nil {
			return o.failed(ctx, req, projectID, start, err, nil), nil
		}
	}

	clientKey := req.ClientKey
	if clientKey == "" {
		clientKey = projectID
	}
	if !o.limiter.Allow(ctx, clientKey) {
		promRateLimited.Inc()
		return o.failed(ctx, req, projectID, start, &RateLimitExceeded{ClientKey: clientKey}, nil), nil
	}

	inputText := req.Payload.CanonicalText()

	inVerdict, err := o.engine.EvaluateWith(ctx, inputText, guardrails.StageInput, req.CustomRules)
	promGuardrailEvaluations.WithLabelValues(string(guardrails.StageInput)).Inc()
	if err != nil {
		if errors.Is(err, guardrails.ErrEmptyRuleSet) {
			return nil, &ConfigurationError{Reason: err.Error()}
		}
		return o.failed(ctx, req, projectID, start, &ValidationError{
			Field: "custom_guardrails", Reason: err.Error(),
		}, nil), nil
	}
	o.appendRuleEvents(ctx, req.RequestID, projectID, inVerdict, guardrails.StageInput, inputText)

	if !inVerdict.Allowed {
		promBlockedRequests.Inc()
		return o.blocked(ctx, req, projectID, start, inputText, inVerdict), nil
	}

	// Sanitized input is what reaches the provider; the raw text never
	// leaves the gateway once a sanitize rule has fired.
	providerText := inputText
	msgs := req.Payload.Messages()
	if inVerdict.Sanitized {
		providerText = inVerdict.SanitizedText
		msgs = []llm.Message{{Role: "user", Content: providerText}}
	}
	inputTokens := estimateTokens(providerText)

	if o.cfg.EnforceBudget && session != nil {
		cost := float64(inputTokens) * o.cfg.CostPerToken
		if err := o.sessions.ConsumeBudget(session, cost); err != nil {
			return o.failed(ctx, req, projectID, start, err, inVerdict.TriggeredRuleIDs), nil
		}
	}

	resp, err := o.provider.Complete(ctx, llm.CompletionRequest{
		Messages: msgs,
		Model:    req.Model,
	})
	if err != nil {
		// No automatic retry here: retries belong to the provider client.
		return o.failed(ctx, req, projectID, start, err, inVerdict.TriggeredRuleIDs), nil
	}

	outVerdict, err := o.engine.EvaluateWith(ctx, resp.Content, guardrails.StageOutput, req.CustomRules)
	promGuardrailEvaluations.WithLabelValues(string(guardrails.StageOutput)).Inc()
	if err != nil {
		return o.failed(ctx, req, projectID, start, err, inVerdict.TriggeredRuleIDs), nil
	}
	o.appendRuleEvents(ctx, req.RequestID, projectID, outVerdict, guardrails.StageOutput, resp.Content)

	// A block on output never discards the response outright: the caller
	// gets a safe explanation for the triggered category instead of nothing.
	responseText := resp.Content
	switch {
	case !outVerdict.Allowed:
		responseText = safeSubstitute(outVerdict.BlockedCategories)
	case outVerdict.Sanitized:
		responseText = outVerdict.SanitizedText
	}

	triggered := append(append([]string(nil), inVerdict.TriggeredRuleIDs...), outVerdict.TriggeredRuleIDs...)
	elapsed := time.Since(start).Milliseconds()
	outputTokens := estimateTokens(responseText)

	rec := telemetry.Record{
		RequestID:       req.RequestID,
		ProjectID:       projectID,
		Provider:        o.provider.Name(),
		Model:           resp.Model,
		Status:          telemetry.StatusCompleted,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		ElapsedMS:       elapsed,
		Cost:            float64(inputTokens+outputTokens) * o.cfg.CostPerToken,
		PromptPreview:   telemetry.Truncate(providerText),
		ResponsePreview: telemetry.Truncate(responseText),
		TriggeredRules:  triggered,
		Timestamp:       time.Now().UTC(),
	}
	if err := o.sink.Record(ctx, rec); err != nil {
		// Success-path telemetry is mandatory. Refuse to answer rather
		// than let a completion leave the gateway unaudited.
		promRequestsTotal.WithLabelValues("telemetry_failure").Inc()
		return nil, &TelemetryFailure{Cause: err}
	}

	promRequestsTotal.WithLabelValues(string(telemetry.StatusCompleted)).Inc()
	promRequestDuration.WithLabelValues(string(req.Operation)).Observe(float64(elapsed))
	o.log.InfoWithDuration(projectID, req.RequestID, "request completed", float64(elapsed), map[string]any{
		"operation":          req.Operation,
		"model":              resp.Model,
		"guardrails_applied": len(triggered),
	})

	return &GovernanceResult{
		RequestID:         req.RequestID,
		Success:           true,
		Response:          responseText,
		ModelUsed:         resp.Model,
		ResponseTimeMS:    elapsed,
		GuardrailsApplied: len(triggered),
		TriggeredRuleIDs:  triggered,
		ProjectID:         projectID,
	}, nil
}

// resolveProject resolves the project identity: explicit field first, then a
// bearer credential that structurally parses as one, then the permissive
// sentinel project.
func (o *Orchestrator) resolveProject(req GovernanceRequest) string {
	if req.ProjectID != "" {
		return req.ProjectID
	}
	if req.Credential != "" && auth.LooksLikeCredential(req.Credential) {
		if cred, err := auth.ParseCredential(req.Credential); err == nil {
			return cred.ProjectID
		}
	}
	return o.cfg.DefaultProject
}

// blocked produces the terminal result for an input guardrail block. The
// provider is never contacted and there is no retry.
func (o *Orchestrator) blocked(ctx context.Context, req GovernanceRequest, projectID string, start time.Time, inputText string, verdict *guardrails.Verdict) *GovernanceResult {
	elapsed := time.Since(start).Milliseconds()
	violation := &GuardrailViolation{
		Stage:   guardrails.StageInput,
		RuleIDs: verdict.TriggeredRuleIDs,
		Reason:  verdict.Reason,
	}

	o.emitNonFatal(ctx, telemetry.Record{
		RequestID:      req.RequestID,
		ProjectID:      projectID,
		Provider:       o.providerName(),
		Model:          req.Model,
		Status:         telemetry.StatusBlocked,
		InputTokens:    estimateTokens(inputText),
		ElapsedMS:      elapsed,
		PromptPreview:  telemetry.Truncate(inputText),
		TriggeredRules: verdict.TriggeredRuleIDs,
		ErrorMessage:   violation.Error(),
		Timestamp:      time.Now().UTC(),
	})

	promRequestsTotal.WithLabelValues(string(telemetry.StatusBlocked)).Inc()
	promRequestDuration.WithLabelValues(string(req.Operation)).Observe(float64(elapsed))
	o.log.Warn(projectID, req.RequestID, "request blocked by input guardrails", map[string]any{
		"triggered_rules": verdict.TriggeredRuleIDs,
	})

	return &GovernanceResult{
		RequestID:         req.RequestID,
		Success:           false,
		Error:             violation.Error(),
		ErrorCode:         CodeGuardrailViolation,
		ResponseTimeMS:    elapsed,
		GuardrailsApplied: len(verdict.TriggeredRuleIDs),
		TriggeredRuleIDs:  verdict.TriggeredRuleIDs,
		Blocked:           true,
		ProjectID:         projectID,
	}
}

// failed converts an expected pipeline error into a structured failed result
// and records failure telemetry. A sink error here is demoted to a log
// side-effect: an error response has already been produced.
func (o *Orchestrator) failed(ctx context.Context, req GovernanceRequest, projectID string, start time.Time, cause error, triggered []string) *GovernanceResult {
	elapsed := time.Since(start).Milliseconds()
	code := classifyError(cause)

	o.emitNonFatal(ctx, telemetry.Record{
		RequestID:      req.RequestID,
		ProjectID:      projectID,
		Provider:       o.providerName(),
		Model:          req.Model,
		Status:         telemetry.StatusFailed,
		ElapsedMS:      elapsed,
		TriggeredRules: triggered,
		ErrorMessage:   cause.Error(),
		Timestamp:      time.Now().UTC(),
	})

	promRequestsTotal.WithLabelValues(string(telemetry.StatusFailed)).Inc()
	promRequestDuration.WithLabelValues(string(req.Operation)).Observe(float64(elapsed))
	o.log.ErrorWithErr(projectID, req.RequestID, "request failed", cause, map[string]any{
		"error_code": code,
	})

	return &GovernanceResult{
		RequestID:         req.RequestID,
		Success:           false,
		Error:             cause.Error(),
		ErrorCode:         code,
		ResponseTimeMS:    elapsed,
		GuardrailsApplied: len(triggered),
		TriggeredRuleIDs:  triggered,
		ProjectID:         projectID,
	}
}

// emitNonFatal records telemetry for the blocked and failed paths, preferring
// queued delivery and swallowing sink errors.
func (o *Orchestrator) emitNonFatal(ctx context.Context, rec telemetry.Record) {
	if async, ok := o.sink.(telemetry.AsyncSink); ok {
		async.RecordAsync(rec)
		return
	}
	if err := o.sink.Record(ctx, rec); err != nil {
		o.log.ErrorWithErr(rec.ProjectID, rec.RequestID, "telemetry record failed on error path", err, nil)
	}
}

// appendRuleEvents writes the triggered-rule audit trail. Failures are logged
// but never fail the pipeline.
func (o *Orchestrator) appendRuleEvents(ctx context.Context, requestID, projectID string, verdict *guardrails.Verdict, stage guardrails.Stage, content string) {
	if o.ruleStore == nil {
		return
	}

	rules := make(map[string]guardrails.Rule)
	for _, r := range o.engine.Rules() {
		rules[r.ID] = r
	}

	for _, id := range verdict.TriggeredRuleIDs {
		action := guardrails.ActionFlag
		if r, ok := rules[id]; ok {
			action = r.Action
		}
		event := guardrails.RuleEvent{
			RequestID:      requestID,
			ProjectID:      projectID,
			RuleID:         id,
			Action:         action,
			Stage:          stage,
			ContentPreview: telemetry.Truncate(content),
		}
		if err := o.ruleStore.AppendEvent(ctx, event); err != nil {
			o.log.ErrorWithErr(projectID, requestID, "rule event append failed", err, map[string]any{
				"rule_id": id,
			})
		}
	}
}

func (o *Orchestrator) providerName() string {
	if o.provider == nil {
		return ""
	}
	return o.provider.Name()
}

// safeSubstitute picks the canned explanation returned when output guardrails
// block a completion. The caller always receives an explanation, never an
// empty response.
func safeSubstitute(categories []string) string {
	for _, c := range categories {
		if msg, ok := safeResponses[c]; ok {
			return msg
		}
	}
	return safeResponseDefault
}

var safeResponses = map[string]string{
	guardrails.CategoryContentSafety: "The generated response was withheld because it conflicted with this organization's content safety policy. Please rephrase your request.",
	guardrails.CategoryBusiness:      "The generated response was withheld because it contained material restricted by business policy.",
	guardrails.CategoryCompliance:    "The generated response was withheld to comply with regulatory requirements that apply to this organization.",
}

const safeResponseDefault = "The generated response was withheld by this organization's content policy."
