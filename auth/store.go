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
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ProjectRecord is the stored configuration of a known project: its
// permissions, starting budget, environment, and enablement flag.
type ProjectRecord struct {
	ProjectID      string   `json:"project_id"`
	OrganizationID string   `json:"organization_id,omitempty"`
	Permissions    []string `json:"permissions"`
	Budget         float64  `json:"budget"`
	Environment    string   `json:"environment"`
	Enabled        bool     `json:"enabled"`
}

// ClientStore resolves project identifiers to their stored records.
// It is the external credential store the session manager depends on.
type ClientStore interface {
	GetProject(ctx context.Context, projectID string) (*ProjectRecord, error)
}

// ErrProjectNotFound is wrapped into an AuthenticationError by the manager.
type ErrProjectNotFound struct {
	ProjectID string
}

func (e *ErrProjectNotFound) Error() string {
	return fmt.Sprintf("project %q not found", e.ProjectID)
}

// MemoryClientStore is an in-memory project whitelist. Production
// deployments should use PostgresClientStore instead.
type MemoryClientStore struct {
	mu       sync.RWMutex
	projects map[string]*ProjectRecord
}

// NewMemoryClientStore creates a store seeded with the given records.
func NewMemoryClientStore(records ...*ProjectRecord) *MemoryClientStore {
	projects := make(map[string]*ProjectRecord, len(records))
	for _, r := range records {
		projects[r.ProjectID] = r
	}
	return &MemoryClientStore{projects: projects}
}

// GetProject implements ClientStore.
func (s *MemoryClientStore) GetProject(ctx context.Context, projectID string) (*ProjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.projects[projectID]
	if !ok {
		return nil, &ErrProjectNotFound{ProjectID: projectID}
	}
	copy := *record
	return &copy, nil
}

// Put adds or replaces a project record.
func (s *MemoryClientStore) Put(record *ProjectRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[record.ProjectID] = record
}

// PostgresClientStore loads project records from the gateway database.
type PostgresClientStore struct {
	db *sql.DB
}

// NewPostgresClientStore opens a connection and ensures the schema exists.
func NewPostgresClientStore(databaseURL string) (*PostgresClientStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("auth: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("auth: pinging database: %w", err)
	}

	store := &PostgresClientStore{db: db}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewPostgresClientStoreWithDB wraps an existing connection, for tests.
func NewPostgresClientStoreWithDB(db *sql.DB) *PostgresClientStore {
	return &PostgresClientStore{db: db}
}

// GetProject implements ClientStore.
func (s *PostgresClientStore) GetProject(ctx context.Context, projectID string) (*ProjectRecord, error) {
	var (
		record          ProjectRecord
		permissionsJSON []byte
		orgID           sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, organization_id, permissions, budget, environment, enabled
		FROM projects
		WHERE project_id = $1
	`, projectID).Scan(
		&record.ProjectID, &orgID, &permissionsJSON,
		&record.Budget, &record.Environment, &record.Enabled,
	)
	if err == sql.ErrNoRows {
		return nil, &ErrProjectNotFound{ProjectID: projectID}
	}
	if err != nil {
		return nil, fmt.Errorf("auth: querying project %s: %w", projectID, err)
	}

	record.OrganizationID = orgID.String
	if len(permissionsJSON) > 0 {
		if err := json.Unmarshal(permissionsJSON, &record.Permissions); err != nil {
			return nil, fmt.Errorf("auth: parsing permissions for %s: %w", projectID, err)
		}
	}
	return &record, nil
}

// Close releases the underlying connection pool.
func (s *PostgresClientStore) Close() error {
	return s.db.Close()
}

func (s *PostgresClientStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS projects (
		project_id VARCHAR(255) PRIMARY KEY,
		organization_id VARCHAR(255),
		permissions JSONB NOT NULL DEFAULT '[]',
		budget DECIMAL(12, 4) NOT NULL DEFAULT 0,
		environment VARCHAR(50) NOT NULL DEFAULT 'production',
		enabled BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("auth: creating tables: %w", err)
	}
	return nil
}
