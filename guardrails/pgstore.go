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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore persists guardrail rules and their audit trail in PostgreSQL.
// Multi-instance deployments share one rule set through this store; each
// gateway instance still holds its own in-memory snapshot.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection and ensures the schema exists.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("guardrails: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("guardrails: pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection, primarily for tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) ([]Rule, error) {
	query := `
		SELECT id, name, description, enabled, severity, action, category,
		       pattern, keywords, whitelist, priority, metadata,
		       created_at, updated_at
		FROM guardrail_rules
		ORDER BY priority DESC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("guardrails: querying rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []Rule
	for rows.Next() {
		var (
			r                       Rule
			pattern, description    sql.NullString
			keywordsJSON, whiteJSON []byte
			metadata                []byte
		)
		if err := rows.Scan(
			&r.ID, &r.Name, &description, &r.Enabled, &r.Severity, &r.Action,
			&r.Category, &pattern, &keywordsJSON, &whiteJSON, &r.Priority,
			&metadata, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("guardrails: scanning rule row: %w", err)
		}

		r.Description = description.String
		r.Pattern = pattern.String
		if len(keywordsJSON) > 0 {
			if err := json.Unmarshal(keywordsJSON, &r.Keywords); err != nil {
				return nil, fmt.Errorf("guardrails: rule %s: parsing keywords: %w", r.ID, err)
			}
		}
		if len(whiteJSON) > 0 {
			if err := json.Unmarshal(whiteJSON, &r.Whitelist); err != nil {
				return nil, fmt.Errorf("guardrails: rule %s: parsing whitelist: %w", r.ID, err)
			}
		}
		r.Metadata = metadata
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("guardrails: iterating rules: %w", err)
	}
	return rules, nil
}

// Save implements Store. The whole rule set is replaced in one transaction so
// a concurrent Load sees either the old or the new version, never a mix.
func (s *PostgresStore) Save(ctx context.Context, rules []Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("guardrails: beginning save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM guardrail_rules`); err != nil {
		return fmt.Errorf("guardrails: clearing rules: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO guardrail_rules (
			id, name, description, enabled, severity, action, category,
			pattern, keywords, whitelist, priority, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`)
	if err != nil {
		return fmt.Errorf("guardrails: preparing insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, r := range rules {
		keywordsJSON, _ := json.Marshal(r.Keywords)
		whiteJSON, _ := json.Marshal(r.Whitelist)

		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		metadata := r.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage("{}")
		}

		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Name, r.Description, r.Enabled, r.Severity, r.Action,
			r.Category, r.Pattern, keywordsJSON, whiteJSON, r.Priority,
			[]byte(metadata), createdAt, now,
		); err != nil {
			return fmt.Errorf("guardrails: inserting rule %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// AppendEvent implements Store.
func (s *PostgresStore) AppendEvent(ctx context.Context, event RuleEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardrail_events (
			request_id, project_id, rule_id, action, stage, content_preview, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.RequestID, event.ProjectID, event.RuleID, event.Action,
		event.Stage, event.ContentPreview, event.Timestamp)
	if err != nil {
		return fmt.Errorf("guardrails: appending rule event: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// createTables creates the rule and event tables if they don't exist.
func (s *PostgresStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS guardrail_rules (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		enabled BOOLEAN NOT NULL DEFAULT true,
		severity VARCHAR(20) NOT NULL,
		action VARCHAR(20) NOT NULL,
		category VARCHAR(100) NOT NULL,
		pattern TEXT,
		keywords JSONB,
		whitelist JSONB,
		priority INTEGER NOT NULL DEFAULT 0,
		metadata JSONB,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS guardrail_events (
		id SERIAL PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		project_id VARCHAR(255) NOT NULL,
		rule_id VARCHAR(255) NOT NULL,
		action VARCHAR(20) NOT NULL,
		stage VARCHAR(10) NOT NULL,
		content_preview TEXT,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_guardrail_events_request_id ON guardrail_events(request_id);
	CREATE INDEX IF NOT EXISTS idx_guardrail_events_project_id ON guardrail_events(project_id);
	CREATE INDEX IF NOT EXISTS idx_guardrail_events_rule_id ON guardrail_events(rule_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("guardrails: creating tables: %w", err)
	}
	return nil
}
