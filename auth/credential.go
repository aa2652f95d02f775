// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the project session and budget manager. It resolves
// caller credentials to project identities with permissions and a remaining
// budget, and exposes permission and budget checks to the orchestrator.
package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CredentialPrefix is the stable wire prefix for project credentials.
// Changing the credential scheme is a breaking change for every SDK caller.
const CredentialPrefix = "pg"

// credentialParts is the exact number of underscore-joined segments:
// prefix, project, org, random, unix timestamp.
const credentialParts = 5

// Credential is a parsed project credential.
type Credential struct {
	ProjectID      string
	OrganizationID string
	Random         string
	IssuedAt       time.Time
}

// AuthenticationError reports a bad or unparseable credential.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// AuthorizationError reports a valid identity with insufficient scope.
type AuthorizationError struct {
	ProjectID string
	Scope     string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("project %s lacks permission %q", e.ProjectID, e.Scope)
}

// ParseCredential validates the structural format of a credential:
// pg_<project>_<org>_<random>_<unixts>. Project and org parts must not be
// empty; the timestamp must parse as a unix epoch.
func ParseCredential(raw string) (*Credential, error) {
	parts := strings.Split(raw, "_")
	if len(parts) != credentialParts {
		return nil, &AuthenticationError{
			Reason: fmt.Sprintf("credential has %d segments, want %d", len(parts), credentialParts),
		}
	}
	if parts[0] != CredentialPrefix {
		return nil, &AuthenticationError{Reason: "unrecognized credential prefix"}
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return nil, &AuthenticationError{Reason: "credential has empty segments"}
	}

	ts, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return nil, &AuthenticationError{Reason: "credential timestamp is not numeric"}
	}

	return &Credential{
		ProjectID:      parts[1],
		OrganizationID: parts[2],
		Random:         parts[3],
		IssuedAt:       time.Unix(ts, 0).UTC(),
	}, nil
}

// LooksLikeCredential reports whether raw structurally resembles a project
// credential. The orchestrator uses this heuristic when resolving a project
// from a bearer token without an explicit project_id.
func LooksLikeCredential(raw string) bool {
	parts := strings.Split(raw, "_")
	return len(parts) == credentialParts && parts[0] == CredentialPrefix
}
