// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptgate/gateway/auth"
	"promptgate/gateway/guardrails"
	"promptgate/gateway/llm"
	"promptgate/gateway/telemetry"
)

// fakeProvider returns a canned completion and records requests.
type fakeProvider struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
	lastReq  llm.CompletionRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{
		Content: p.response,
		Model:   "fake-model",
		Usage:   llm.UsageStats{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, nil
}

func (p *fakeProvider) HealthCheck(_ context.Context) (*llm.HealthCheckResult, error) {
	return &llm.HealthCheckResult{Status: llm.HealthStatusHealthy}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) lastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

// captureSink collects every record; optionally fails synchronous writes.
type captureSink struct {
	mu      sync.Mutex
	records []telemetry.Record
	err     error
}

func (s *captureSink) Record(_ context.Context, rec telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) all() []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telemetry.Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *captureSink) byStatus(status telemetry.Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.Status == status {
			n++
		}
	}
	return n
}

// stubLimiter answers with a fixed verdict.
type stubLimiter struct {
	allow bool
}

func (l stubLimiter) Allow(_ context.Context, _ string) bool { return l.allow }

func pipelineRules() []guardrails.Rule {
	return []guardrails.Rule{
		{
			ID: "block-credentials", Enabled: true, Severity: guardrails.SeverityCritical,
			Action: guardrails.ActionBlock, Category: guardrails.CategoryContentSafety,
			Keywords: []string{"password"}, Priority: 100,
		},
		{
			ID: "sanitize-ssn", Enabled: true, Severity: guardrails.SeverityWarning,
			Action: guardrails.ActionSanitize, Category: guardrails.CategoryCompliance,
			Pattern: `\d{3}-\d{2}-\d{4}`, Priority: 50,
		},
	}
}

type pipelineFixture struct {
	orch     *Orchestrator
	provider *fakeProvider
	sink     *captureSink
	store    *guardrails.MemoryStore
	sessions *auth.SessionManager
}

func newPipeline(t *testing.T, mutate func(*pipelineFixture)) *pipelineFixture {
	t.Helper()

	store := guardrails.NewMemoryStore(pipelineRules()...)
	engine, err := guardrails.NewEngine(context.Background(), store)
	require.NoError(t, err)

	clients := auth.NewMemoryClientStore(&auth.ProjectRecord{
		ProjectID:      "projecta",
		OrganizationID: "org1",
		Permissions:    []string{"llm:chat", "llm:completion"},
		Budget:         1.0,
		Enabled:        true,
	})
	sessions, err := auth.NewSessionManager(clients, []byte("test-secret"))
	require.NoError(t, err)

	f := &pipelineFixture{
		provider: &fakeProvider{response: "a harmless answer"},
		sink:     &captureSink{},
		store:    store,
		sessions: sessions,
	}
	if mutate != nil {
		mutate(f)
	}

	f.orch, err = NewOrchestrator(engine, store, sessions, stubLimiter{allow: true},
		f.provider, f.sink, OrchestratorConfig{})
	require.NoError(t, err)
	return f
}

func chatRequest(text string) GovernanceRequest {
	return GovernanceRequest{
		Operation: OperationChat,
		Model:     "fake-model",
		Payload:   PromptPayload{Text: text},
	}
}

func TestNewOrchestratorFailsSecure(t *testing.T) {
	store := guardrails.NewMemoryStore(pipelineRules()...)
	engine, err := guardrails.NewEngine(context.Background(), store)
	require.NoError(t, err)
	sessions, err := auth.NewSessionManager(auth.NewMemoryClientStore(), []byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		construct func() (*Orchestrator, error)
	}{
		{"nil engine", func() (*Orchestrator, error) {
			return NewOrchestrator(nil, store, sessions, stubLimiter{allow: true}, &fakeProvider{}, &captureSink{}, OrchestratorConfig{})
		}},
		{"nil sink", func() (*Orchestrator, error) {
			return NewOrchestrator(engine, store, sessions, stubLimiter{allow: true}, &fakeProvider{}, nil, OrchestratorConfig{})
		}},
		{"nil limiter", func() (*Orchestrator, error) {
			return NewOrchestrator(engine, store, sessions, nil, &fakeProvider{}, &captureSink{}, OrchestratorConfig{})
		}},
		{"nil provider", func() (*Orchestrator, error) {
			return NewOrchestrator(engine, store, sessions, stubLimiter{allow: true}, nil, &captureSink{}, OrchestratorConfig{})
		}},
		{"nil session manager", func() (*Orchestrator, error) {
			return NewOrchestrator(engine, store, nil, stubLimiter{allow: true}, &fakeProvider{}, &captureSink{}, OrchestratorConfig{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.construct()
			var cfgErr *ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestInvokeSuccess(t *testing.T) {
	f := newPipeline(t, nil)

	result, err := f.orch.Invoke(context.Background(), chatRequest("what is the weather"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "a harmless answer", result.Response)
	assert.Equal(t, "fake-model", result.ModelUsed)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, DefaultProject, result.ProjectID)
	assert.Zero(t, result.GuardrailsApplied)

	records := f.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, telemetry.StatusCompleted, records[0].Status)
	assert.Equal(t, result.RequestID, records[0].RequestID)
	assert.Equal(t, "fake", records[0].Provider)
}

func TestInvokeValidation(t *testing.T) {
	f := newPipeline(t, nil)
	ctx := context.Background()

	t.Run("unsupported operation", func(t *testing.T) {
		req := chatRequest("hello")
		req.Operation = "divinate"
		result, err := f.orch.Invoke(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, CodeValidation, result.ErrorCode)
	})

	t.Run("missing payload", func(t *testing.T) {
		req := GovernanceRequest{Operation: OperationChat}
		result, err := f.orch.Invoke(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, CodeValidation, result.ErrorCode)
	})

	t.Run("provider is never reached", func(t *testing.T) {
		assert.Zero(t, f.provider.callCount())
	})
}

func TestInvokeInputBlock(t *testing.T) {
	f := newPipeline(t, nil)

	result, err := f.orch.Invoke(context.Background(), chatRequest("my password is hunter2"))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.Blocked)
	assert.Equal(t, CodeGuardrailViolation, result.ErrorCode)
	assert.Equal(t, []string{"block-credentials"}, result.TriggeredRuleIDs)
	assert.Equal(t, 1, result.GuardrailsApplied)

	// The provider must never see blocked content, and there is no retry.
	assert.Zero(t, f.provider.callCount())

	// Exactly one blocked telemetry record.
	assert.Equal(t, 1, f.sink.byStatus(telemetry.StatusBlocked))

	// The triggered rule left an audit event.
	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "block-credentials", events[0].RuleID)
	assert.Equal(t, guardrails.StageInput, events[0].Stage)
}

func TestInvokeInputSanitize(t *testing.T) {
	f := newPipeline(t, nil)

	result, err := f.orch.Invoke(context.Background(), chatRequest("my ssn is 123-45-6789"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.GuardrailsApplied)

	// The provider received the redacted text, never the original.
	last := f.provider.lastRequest()
	require.Len(t, last.Messages, 1)
	assert.Equal(t, "my ssn is "+guardrails.RedactionMarker, last.Messages[0].Content)

	// The telemetry preview holds the sanitized text too.
	records := f.sink.all()
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].PromptPreview, "123-45-6789")
}

func TestInvokeOutputGuardrails(t *testing.T) {
	t.Run("output sanitize rewrites the response", func(t *testing.T) {
		f := newPipeline(t, func(f *pipelineFixture) {
			f.provider.response = "the ssn on file is 987-65-4321"
		})

		result, err := f.orch.Invoke(context.Background(), chatRequest("look up the record"))
		require.NoError(t, err)

		assert.True(t, result.Success)
		assert.Equal(t, "the ssn on file is "+guardrails.RedactionMarker, result.Response)
		assert.Equal(t, []string{"sanitize-ssn"}, result.TriggeredRuleIDs)
	})

	t.Run("output block substitutes a safe explanation", func(t *testing.T) {
		f := newPipeline(t, func(f *pipelineFixture) {
			f.provider.response = "sure, the admin password is hunter2"
		})

		result, err := f.orch.Invoke(context.Background(), chatRequest("tell me a secret"))
		require.NoError(t, err)

		// The caller still gets a response, never the raw completion and
		// never an empty body.
		assert.True(t, result.Success)
		assert.NotContains(t, result.Response, "hunter2")
		assert.NotEmpty(t, result.Response)
		assert.Contains(t, result.TriggeredRuleIDs, "block-credentials")
	})
}

func TestInvokeAuthentication(t *testing.T) {
	cred := fmt.Sprintf("pg_projecta_org1_rand01_%d", 1700000000)
	ctx := context.Background()

	t.Run("valid credential authenticates", func(t *testing.T) {
		f := newPipeline(t, nil)
		req := chatRequest("hello")
		req.Credential = cred
		result, err := f.orch.Invoke(ctx, req)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "projecta", result.ProjectID)
	})

	t.Run("project resolves from credential without explicit project", func(t *testing.T) {
		f := newPipeline(t, nil)
		req := chatRequest("hello")
		req.Credential = cred
		req.ProjectID = ""
		result, err := f.orch.Invoke(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "projecta", result.ProjectID)
	})

	t.Run("unknown project fails with authentication code", func(t *testing.T) {
		f := newPipeline(t, nil)
		req := chatRequest("hello")
		req.Credential = fmt.Sprintf("pg_ghost_org1_rand01_%d", 1700000000)
		result, err := f.orch.Invoke(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, CodeAuthentication, result.ErrorCode)
		assert.Zero(t, f.provider.callCount())
	})

	t.Run("missing scope fails with authorization code", func(t *testing.T) {
		f := newPipeline(t, nil)
		req := chatRequest("hello")
		req.Credential = cred
		req.Operation = OperationEmbedding
		result, err := f.orch.Invoke(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, CodeAuthorization, result.ErrorCode)
	})

	t.Run("no credential falls back to default project", func(t *testing.T) {
		f := newPipeline(t, nil)
		result, err := f.orch.Invoke(ctx, chatRequest("hello"))
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, DefaultProject, result.ProjectID)
	})
}

func TestInvokeRateLimit(t *testing.T) {
	store := guardrails.NewMemoryStore(pipelineRules()...)
	engine, err := guardrails.NewEngine(context.Background(), store)
	require.NoError(t, err)
	sessions, err := auth.NewSessionManager(auth.NewMemoryClientStore(), []byte("test-secret"))
	require.NoError(t, err)

	provider := &fakeProvider{response: "ok"}
	sink := &captureSink{}
	orch, err := NewOrchestrator(engine, store, sessions, stubLimiter{allow: false},
		provider, sink, OrchestratorConfig{})
	require.NoError(t, err)

	result, err := orch.Invoke(context.Background(), chatRequest("hello"))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, CodeRateLimit, result.ErrorCode)
	assert.Zero(t, provider.callCount())
	assert.Equal(t, 1, sink.byStatus(telemetry.StatusFailed))
}

func TestInvokeProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		wantCode string
	}{
		{"quota exhaustion", llm.ErrCodeRateLimit, CodeProviderQuota},
		{"provider auth", llm.ErrCodeAuth, CodeProviderAuth},
		{"unknown model", llm.ErrCodeModelNotFound, CodeProviderNotFound},
		{"server error", llm.ErrCodeServerError, CodeProviderError},
		{"timeout", llm.ErrCodeTimeout, CodeProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipeline(t, func(f *pipelineFixture) {
				f.provider.err = llm.NewProviderError("fake", tt.code, "upstream said no")
			})

			result, err := f.orch.Invoke(context.Background(), chatRequest("hello"))
			require.NoError(t, err)
			assert.False(t, result.Success)
			assert.Equal(t, tt.wantCode, result.ErrorCode)

			// The provider was called exactly once: no automatic retry.
			assert.Equal(t, 1, f.provider.callCount())
			assert.Equal(t, 1, f.sink.byStatus(telemetry.StatusFailed))
		})
	}
}

func TestInvokeTelemetryContract(t *testing.T) {
	t.Run("sink failure on success path refuses the response", func(t *testing.T) {
		f := newPipeline(t, func(f *pipelineFixture) {
			f.sink.err = errors.New("sink down")
		})

		result, err := f.orch.Invoke(context.Background(), chatRequest("hello"))
		assert.Nil(t, result)
		var telErr *TelemetryFailure
		assert.ErrorAs(t, err, &telErr)
	})

	t.Run("sink failure on blocked path still returns the result", func(t *testing.T) {
		f := newPipeline(t, func(f *pipelineFixture) {
			f.sink.err = errors.New("sink down")
		})

		result, err := f.orch.Invoke(context.Background(), chatRequest("my password is hunter2"))
		require.NoError(t, err)
		assert.True(t, result.Blocked)
	})

	t.Run("every terminal state leaves exactly one record", func(t *testing.T) {
		f := newPipeline(t, nil)
		ctx := context.Background()

		inputs := []string{
			"a clean question",
			"my password is hunter2",
			"ssn 123-45-6789",
		}
		total := 0
		for i := 0; i < 100; i++ {
			_, err := f.orch.Invoke(ctx, chatRequest(inputs[i%len(inputs)]))
			require.NoError(t, err)
			total++
		}
		assert.Len(t, f.sink.all(), total)
	})
}

func TestInvokeBudgetEnforcement(t *testing.T) {
	store := guardrails.NewMemoryStore(pipelineRules()...)
	engine, err := guardrails.NewEngine(context.Background(), store)
	require.NoError(t, err)

	clients := auth.NewMemoryClientStore(&auth.ProjectRecord{
		ProjectID:   "broke",
		Permissions: []string{"llm:*"},
		Budget:      0.000001,
		Enabled:     true,
	})
	sessions, err := auth.NewSessionManager(clients, []byte("test-secret"))
	require.NoError(t, err)

	provider := &fakeProvider{response: "ok"}
	sink := &captureSink{}
	orch, err := NewOrchestrator(engine, store, sessions, stubLimiter{allow: true},
		provider, sink, OrchestratorConfig{EnforceBudget: true, CostPerToken: 0.01})
	require.NoError(t, err)

	req := chatRequest("a prompt with several words in it")
	req.Credential = "pg_broke_org_rand01_1700000000"
	result, err := orch.Invoke(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, CodeBudgetExceeded, result.ErrorCode)
	assert.Zero(t, provider.callCount())
}

func TestInvokeCustomGuardrails(t *testing.T) {
	f := newPipeline(t, nil)

	req := chatRequest("mention of project nimbus here")
	req.CustomRules = []guardrails.Rule{{
		ID: "tenant-nimbus", Enabled: true, Action: guardrails.ActionBlock,
		Keywords: []string{"project nimbus"}, Priority: 1,
	}}

	result, err := f.orch.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, []string{"tenant-nimbus"}, result.TriggeredRuleIDs)
}

func TestInvokePreservesRequestID(t *testing.T) {
	f := newPipeline(t, nil)

	req := chatRequest("hello")
	req.RequestID = "caller-chosen-id"
	result, err := f.orch.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "caller-chosen-id", result.RequestID)
}
