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
	"errors"
	"fmt"

	"promptgate/gateway/auth"
	"promptgate/gateway/guardrails"
	"promptgate/gateway/llm"
)

// Error codes surfaced in failed GovernanceResults. Expected, non-fatal
// outcomes are converted into structured results at the pipeline boundary;
// only configuration errors and success-path telemetry failures propagate.
const (
	CodeAuthentication     = "authentication_error"
	CodeAuthorization      = "authorization_error"
	CodeValidation         = "validation_error"
	CodeGuardrailViolation = "guardrail_violation"
	CodeRateLimit          = "rate_limit_exceeded"
	CodeProviderQuota      = "provider_quota"
	CodeProviderAuth       = "provider_auth"
	CodeProviderNotFound   = "provider_model_not_found"
	CodeProviderError      = "provider_error"
	CodeBudgetExceeded     = "budget_exceeded"
	CodeInternal           = "internal_error"
)

// ValidationError reports a malformed operation or payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// GuardrailViolation reports blocked content, carrying the triggered rules.
type GuardrailViolation struct {
	Stage   guardrails.Stage
	RuleIDs []string
	Reason  string
}

func (e *GuardrailViolation) Error() string {
	return fmt.Sprintf("guardrail violation on %s: %s", e.Stage, e.Reason)
}

// RateLimitExceeded reports a client that exhausted its window.
type RateLimitExceeded struct {
	ClientKey string
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for client %q", e.ClientKey)
}

// ConfigurationError is fatal at startup: a missing secret or an unloadable
// rule set. The gateway fails secure and refuses all requests until resolved.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// TelemetryFailure wraps a sink error. On the success path it aborts the
// response: the gateway would rather return an error than silently lose an
// audit record.
type TelemetryFailure struct {
	Cause error
}

func (e *TelemetryFailure) Error() string {
	return fmt.Sprintf("telemetry record failed: %v", e.Cause)
}

func (e *TelemetryFailure) Unwrap() error {
	return e.Cause
}

// classifyError maps any pipeline error onto the taxonomy code carried by a
// failed GovernanceResult.
func classifyError(err error) string {
	var (
		authErr     *auth.AuthenticationError
		authzErr    *auth.AuthorizationError
		valErr      *ValidationError
		grErr       *GuardrailViolation
		rlErr       *RateLimitExceeded
		providerErr *llm.ProviderError
	)

	switch {
	case errors.As(err, &authErr):
		return CodeAuthentication
	case errors.As(err, &authzErr):
		return CodeAuthorization
	case errors.As(err, &valErr):
		return CodeValidation
	case errors.As(err, &grErr):
		return CodeGuardrailViolation
	case errors.As(err, &rlErr):
		return CodeRateLimit
	case errors.Is(err, auth.ErrInsufficientBudget):
		return CodeBudgetExceeded
	case errors.As(err, &providerErr):
		return classifyProviderError(providerErr)
	default:
		return CodeInternal
	}
}

// classifyProviderError distinguishes quota/auth/not-found upstream failures
// from generic technical ones.
func classifyProviderError(err *llm.ProviderError) string {
	switch err.Code {
	case llm.ErrCodeRateLimit:
		return CodeProviderQuota
	case llm.ErrCodeAuth:
		return CodeProviderAuth
	case llm.ErrCodeModelNotFound:
		return CodeProviderNotFound
	default:
		return CodeProviderError
	}
}
