// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptgate/gateway/auth"
	"promptgate/gateway/guardrails"
)

func newTestServer(t *testing.T) (*Server, *pipelineFixture) {
	t.Helper()

	store := guardrails.NewMemoryStore(pipelineRules()...)
	engine, err := guardrails.NewEngine(context.Background(), store)
	require.NoError(t, err)

	sessions, err := auth.NewSessionManager(auth.NewMemoryClientStore(), []byte("test-secret"))
	require.NoError(t, err)

	f := &pipelineFixture{
		provider: &fakeProvider{response: "a harmless answer"},
		sink:     &captureSink{},
		store:    store,
		sessions: sessions,
	}
	f.orch, err = NewOrchestrator(engine, store, sessions, stubLimiter{allow: true},
		f.provider, f.sink, OrchestratorConfig{})
	require.NoError(t, err)

	cfg := LoadConfig()
	return NewServer(f.orch, engine, f.provider, cfg), f
}

func postInvoke(t *testing.T, server *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoke", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func TestInvokeEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("successful invocation", func(t *testing.T) {
		rec := postInvoke(t, server, `{"operation": "chat", "payload": {"prompt": "hello"}}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var result GovernanceResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.True(t, result.Success)
		assert.Equal(t, "a harmless answer", result.Response)
	})

	t.Run("guardrail block maps to 403", func(t *testing.T) {
		rec := postInvoke(t, server, `{"operation": "chat", "payload": {"prompt": "my password is hunter2"}}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		var result GovernanceResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.True(t, result.Blocked)
		assert.Equal(t, CodeGuardrailViolation, result.ErrorCode)
	})

	t.Run("invalid body maps to 400", func(t *testing.T) {
		rec := postInvoke(t, server, `{{{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing payload maps to 400", func(t *testing.T) {
		rec := postInvoke(t, server, `{"operation": "chat"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid operation maps to 400", func(t *testing.T) {
		rec := postInvoke(t, server, `{"operation": "divinate", "payload": {"prompt": "hello"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, true, health["engine_ready"])
	assert.Equal(t, float64(2), health["rule_count"])
}

func TestGuardrailAdminEndpoints(t *testing.T) {
	server, f := newTestServer(t)

	t.Run("list rules", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/guardrails", nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Count int               `json:"count"`
			Rules []guardrails.Rule `json:"rules"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 2, body.Count)
	})

	t.Run("reload picks up store changes", func(t *testing.T) {
		rules := append(pipelineRules(), guardrails.Rule{
			ID: "extra", Enabled: true, Action: guardrails.ActionFlag,
			Keywords: []string{"extra"},
		})
		require.NoError(t, f.store.Save(context.Background(), rules))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/guardrails/reload", nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(3), body["rule_count"])
	})

	t.Run("reload failure keeps serving", func(t *testing.T) {
		require.NoError(t, f.store.Save(context.Background(), nil))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/guardrails/reload", nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)

		// The previous snapshot still answers health checks.
		health := httptest.NewRequest(http.MethodGet, "/health", nil)
		healthRec := httptest.NewRecorder()
		server.Router().ServeHTTP(healthRec, health)
		assert.Equal(t, http.StatusOK, healthRec.Code)
	})
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(req))

	req.Header.Set("Authorization", "Bearer pg_a_b_c_1700000000")
	assert.Equal(t, "pg_a_b_c_1700000000", bearerToken(req))

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, bearerToken(req))
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5412"
	assert.Equal(t, "10.1.2.3", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(req))
}

func TestStatusForResult(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{CodeAuthentication, http.StatusUnauthorized},
		{CodeAuthorization, http.StatusForbidden},
		{CodeGuardrailViolation, http.StatusForbidden},
		{CodeBudgetExceeded, http.StatusForbidden},
		{CodeValidation, http.StatusBadRequest},
		{CodeRateLimit, http.StatusTooManyRequests},
		{CodeProviderQuota, http.StatusTooManyRequests},
		{CodeProviderError, http.StatusBadGateway},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got := statusForResult(&GovernanceResult{Success: false, ErrorCode: tt.code})
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, http.StatusOK, statusForResult(&GovernanceResult{Success: true}))
}
