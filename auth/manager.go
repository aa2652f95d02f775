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

package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"promptgate/gateway/shared/logger"
)

// DefaultSessionTTL is how long a session stays valid after authentication.
const DefaultSessionTTL = 1 * time.Hour

// DefaultSweepInterval is how often the background sweeper evicts expired
// sessions from the cache.
const DefaultSweepInterval = 5 * time.Minute

// ErrInsufficientBudget is returned when a consumption would drive the
// remaining budget negative. The session is left unmodified.
var ErrInsufficientBudget = errors.New("auth: insufficient budget remaining")

// ErrSessionNotFound is returned for unknown or already-evicted sessions.
var ErrSessionNotFound = errors.New("auth: session not found")

// SessionManager validates credentials, issues sessions, and enforces
// permission and budget checks. Instances are constructed explicitly and
// injected into the orchestrator; there is no ambient singleton.
type SessionManager struct {
	store         ClientStore
	jwtSecret     []byte
	ttl           time.Duration
	sweepInterval time.Duration
	log           *logger.Logger

	mu       sync.Mutex
	sessions map[string]*ProjectSession

	stopSweep chan struct{}
	sweepOnce sync.Once

	// now is injectable for expiry tests.
	now func() time.Time
}

// ManagerOption customizes SessionManager construction.
type ManagerOption func(*SessionManager)

// WithSessionTTL overrides the default session lifetime.
func WithSessionTTL(ttl time.Duration) ManagerOption {
	return func(m *SessionManager) { m.ttl = ttl }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *SessionManager) { m.now = now }
}

// WithSweepInterval overrides how often the background sweeper runs.
func WithSweepInterval(interval time.Duration) ManagerOption {
	return func(m *SessionManager) { m.sweepInterval = interval }
}

// NewSessionManager creates a manager backed by the given client store.
// jwtSecret signs session identifiers; it must not be empty.
func NewSessionManager(store ClientStore, jwtSecret []byte, opts ...ManagerOption) (*SessionManager, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}

	m := &SessionManager{
		store:         store,
		jwtSecret:     jwtSecret,
		ttl:           DefaultSessionTTL,
		sweepInterval: DefaultSweepInterval,
		log:           logger.New("session-manager"),
		sessions:      make(map[string]*ProjectSession),
		stopSweep:     make(chan struct{}),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Authenticate parses and validates a credential against the requested
// project and returns a cached session. The parsed project must match the
// requested projectID exactly.
func (m *SessionManager) Authenticate(ctx context.Context, credential, projectID string) (*ProjectSession, error) {
	cred, err := ParseCredential(credential)
	if err != nil {
		return nil, err
	}
	if cred.ProjectID != projectID {
		return nil, &AuthenticationError{
			Reason: fmt.Sprintf("credential project %q does not match requested project %q", cred.ProjectID, projectID),
		}
	}

	record, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		var notFound *ErrProjectNotFound
		if errors.As(err, &notFound) {
			return nil, &AuthenticationError{Reason: notFound.Error()}
		}
		return nil, fmt.Errorf("auth: resolving project %s: %w", projectID, err)
	}
	if !record.Enabled {
		return nil, &AuthenticationError{Reason: fmt.Sprintf("project %q is disabled", projectID)}
	}
	if record.OrganizationID != "" && record.OrganizationID != cred.OrganizationID {
		return nil, &AuthenticationError{Reason: "credential organization does not match project"}
	}

	expiresAt := m.now().Add(m.ttl)
	sessionID, err := m.mintSessionID(record, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("auth: minting session id: %w", err)
	}

	session := &ProjectSession{
		ProjectID:       record.ProjectID,
		OrganizationID:  record.OrganizationID,
		Permissions:     append([]string(nil), record.Permissions...),
		Environment:     record.Environment,
		SessionID:       sessionID,
		ExpiresAt:       expiresAt,
		budgetRemaining: record.Budget,
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	m.log.Debug(record.ProjectID, "", "session issued", map[string]any{
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	return session, nil
}

// CheckPermission reports whether the session covers the given scope.
// It returns an AuthorizationError when the scope is missing so callers can
// surface the taxonomy entry directly.
func (m *SessionManager) CheckPermission(session *ProjectSession, scope string) error {
	if !session.HasPermission(scope) {
		return &AuthorizationError{ProjectID: session.ProjectID, Scope: scope}
	}
	return nil
}

// CheckBudget reports whether the session can afford amount without mutating it.
func (m *SessionManager) CheckBudget(session *ProjectSession, amount float64) bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.budgetRemaining >= amount
}

// ConsumeBudget atomically decrements the session budget. A consumption that
// would drive the budget negative is rejected before any mutation.
func (m *SessionManager) ConsumeBudget(session *ProjectSession, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("auth: negative consumption %f", amount)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.budgetRemaining < amount {
		return fmt.Errorf("%w: have %.4f, need %.4f", ErrInsufficientBudget, session.budgetRemaining, amount)
	}
	session.budgetRemaining -= amount
	return nil
}

// ValidateSession looks up a cached session, checking expiry. Expired
// sessions are evicted and reported as not found. Callers holding a session
// across a long-lived request must revalidate before relying on it.
func (m *SessionManager) ValidateSession(sessionID string) (*ProjectSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Expired(m.now()) {
		delete(m.sessions, sessionID)
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Refresh extends a session's expiry by the manager TTL.
func (m *SessionManager) Refresh(sessionID string) (*ProjectSession, error) {
	session, err := m.ValidateSession(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	session.ExpiresAt = m.now().Add(m.ttl)
	m.mu.Unlock()
	return session, nil
}

// Revoke destroys a session immediately.
func (m *SessionManager) Revoke(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// StartSweeper launches the background goroutine that evicts expired
// sessions. Every Authenticate call inserts into the cache, so without the
// sweeper it grows without bound under sustained authenticated traffic.
func (m *SessionManager) StartSweeper() {
	m.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(m.sweepInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if removed := m.SweepExpired(); removed > 0 {
						m.log.Debug("", "", "expired sessions evicted", map[string]any{
							"removed": removed,
						})
					}
				case <-m.stopSweep:
					return
				}
			}
		}()
	})
}

// StopSweeper terminates the background sweeper.
func (m *SessionManager) StopSweeper() {
	select {
	case <-m.stopSweep:
	default:
		close(m.stopSweep)
	}
}

// SweepExpired evicts every expired session and returns the count removed.
// Called periodically by the sweeper goroutine, never on the request path.
func (m *SessionManager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, session := range m.sessions {
		if session.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// SessionCount returns the number of cached sessions.
func (m *SessionManager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// mintSessionID issues an HS256 JWT so session identifiers are
// self-describing in logs while remaining opaque to callers.
func (m *SessionManager) mintSessionID(record *ProjectRecord, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": record.ProjectID,
		"org": record.OrganizationID,
		"env": record.Environment,
		"jti": uuid.NewString(),
		"exp": expiresAt.Unix(),
		"iat": m.now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.jwtSecret)
}
