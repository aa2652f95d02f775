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

package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"promptgate/gateway/shared/logger"
)

// PostgresSink writes audit records to PostgreSQL. Record performs a
// synchronous insert so the success path is durable before the response is
// returned; RecordAsync queues entries for batched background writes on the
// blocked and failed paths.
type PostgresSink struct {
	db  *sql.DB
	log *logger.Logger

	queue        chan Record
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	batchMu sync.Mutex
	batch   []Record
}

// batchSize is how many queued records flush in one transaction.
const batchSize = 100

// queueDepth bounds the async queue; a full queue degrades to a direct write.
const queueDepth = 10000

// NewPostgresSink opens a connection, ensures the schema, and starts the
// background batch worker.
func NewPostgresSink(databaseURL string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("telemetry: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("telemetry: pinging database: %w", err)
	}

	sink := newPostgresSink(db)
	if err := sink.createTables(); err != nil {
		return nil, err
	}
	sink.start()
	return sink, nil
}

// NewPostgresSinkWithDB wraps an existing connection, primarily for tests.
// The batch worker is started; Close must still be called.
func NewPostgresSinkWithDB(db *sql.DB) *PostgresSink {
	sink := newPostgresSink(db)
	sink.start()
	return sink
}

func newPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{
		db:           db,
		log:          logger.New("telemetry-postgres"),
		queue:        make(chan Record, queueDepth),
		shutdownChan: make(chan struct{}),
		batch:        make([]Record, 0, batchSize),
	}
}

func (s *PostgresSink) start() {
	s.wg.Add(1)
	go s.processQueue()
}

// Record implements Sink with a synchronous, durable insert.
func (s *PostgresSink) Record(ctx context.Context, rec Record) error {
	return s.insert(ctx, []Record{rec})
}

// RecordAsync implements AsyncSink. When the queue is full the record is
// written directly so audit entries are never dropped silently.
func (s *PostgresSink) RecordAsync(rec Record) {
	select {
	case s.queue <- rec:
	default:
		s.log.Warn(rec.ProjectID, rec.RequestID, "telemetry queue full, writing directly", nil)
		if err := s.insert(context.Background(), []Record{rec}); err != nil {
			s.log.ErrorWithErr(rec.ProjectID, rec.RequestID, "direct telemetry write failed", err, nil)
		}
	}
}

// processQueue batches queued records and flushes them periodically.
func (s *PostgresSink) processQueue() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.queue:
			s.add(rec)
		case <-ticker.C:
			s.flush()
		case <-s.shutdownChan:
			// Drain whatever is still queued, then flush.
			for {
				select {
				case rec := <-s.queue:
					s.add(rec)
				default:
					s.flush()
					return
				}
			}
		}
	}
}

func (s *PostgresSink) add(rec Record) {
	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= batchSize
	s.batchMu.Unlock()

	if full {
		s.flush()
	}
}

func (s *PostgresSink) flush() {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := s.batch
	s.batch = make([]Record, 0, batchSize)
	s.batchMu.Unlock()

	if err := s.insert(context.Background(), pending); err != nil {
		s.log.ErrorWithErr("", "", "telemetry batch write failed", err, map[string]any{
			"records": len(pending),
		})
	}
}

func (s *PostgresSink) insert(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("telemetry: beginning insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry_records (
			request_id, project_id, provider, model, status,
			input_tokens, output_tokens, elapsed_ms, cost,
			prompt_preview, response_preview, triggered_rules,
			error_message, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`)
	if err != nil {
		return fmt.Errorf("telemetry: preparing insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}
		rulesJSON, _ := json.Marshal(rec.TriggeredRules)

		if _, err := stmt.ExecContext(ctx,
			rec.RequestID, rec.ProjectID, rec.Provider, rec.Model, rec.Status,
			rec.InputTokens, rec.OutputTokens, rec.ElapsedMS, rec.Cost,
			rec.PromptPreview, rec.ResponsePreview, rulesJSON,
			rec.ErrorMessage, rec.Timestamp,
		); err != nil {
			return fmt.Errorf("telemetry: inserting record %s: %w", rec.RequestID, err)
		}
	}

	return tx.Commit()
}

// Close flushes pending records and releases the connection pool.
func (s *PostgresSink) Close() error {
	s.shutdownOnce.Do(func() { close(s.shutdownChan) })
	s.wg.Wait()
	return s.db.Close()
}

func (s *PostgresSink) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS telemetry_records (
		id SERIAL PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		project_id VARCHAR(255) NOT NULL,
		provider VARCHAR(100),
		model VARCHAR(100),
		status VARCHAR(20) NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		elapsed_ms BIGINT NOT NULL DEFAULT 0,
		cost DECIMAL(10, 6) NOT NULL DEFAULT 0,
		prompt_preview TEXT,
		response_preview TEXT,
		triggered_rules JSONB,
		error_message TEXT,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_telemetry_request_id ON telemetry_records(request_id);
	CREATE INDEX IF NOT EXISTS idx_telemetry_project_id ON telemetry_records(project_id);
	CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry_records(timestamp);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("telemetry: creating tables: %w", err)
	}
	return nil
}
