// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and telemetry.
	Name() string

	// Complete generates a completion for the given request.
	// The context should be used for cancellation and timeout.
	// Failures are reported as *ProviderError so callers can classify them.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck verifies the provider is operational.
	// This method should complete within a reasonable timeout (e.g. 10s).
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}
