// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"strings"
	"sync"
	"time"
)

// ProjectSession is a resolved, time-bounded authentication result for a
// project. A session past ExpiresAt is invalid and is evicted from the cache
// on next access.
type ProjectSession struct {
	ProjectID      string         `json:"project_id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Permissions    []string       `json:"permissions"`
	Environment    string         `json:"environment"`
	SessionID      string         `json:"session_id"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// budgetRemaining is guarded by mu; it never goes negative.
	mu              sync.Mutex
	budgetRemaining float64
}

// BudgetRemaining returns the current remaining budget.
func (s *ProjectSession) BudgetRemaining() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budgetRemaining
}

// Expired reports whether the session is past its expiry at the given time.
func (s *ProjectSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HasPermission checks a scope against the session's permission set.
// Exact string match and a single trailing-wildcard form are supported:
// "llm:*" covers "llm:generate". Nested or multi-segment wildcards are not.
func (s *ProjectSession) HasPermission(scope string) bool {
	for _, p := range s.Permissions {
		if p == scope {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(scope, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}
