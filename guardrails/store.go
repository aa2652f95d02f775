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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store loads and persists guardrail rules and records the audit trail of
// triggered rules. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the full rule set.
	Load(ctx context.Context) ([]Rule, error)

	// Save persists the full rule set, replacing the previous version.
	Save(ctx context.Context, rules []Rule) error

	// AppendEvent records one triggered-rule audit event.
	AppendEvent(ctx context.Context, event RuleEvent) error
}

// ruleFile is the on-disk YAML document shape.
type ruleFile struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// FileStore keeps rules in a versioned YAML file and appends audit events as
// JSON lines next to it. Suitable for single-instance deployments and tests.
type FileStore struct {
	path      string
	eventPath string
	mu        sync.Mutex
}

// NewFileStore creates a store backed by the YAML file at path. Audit events
// go to <path>.events.jsonl in the same directory.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:      path,
		eventPath: path + ".events.jsonl",
	}
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("guardrails: reading rule file %s: %w", s.path, err)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("guardrails: parsing rule file %s: %w", s.path, err)
	}
	return doc.Rules, nil
}

// Save implements Store. The file is written atomically via a temp file so a
// concurrent Load never sees a partial document.
func (s *FileStore) Save(ctx context.Context, rules []Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := ruleFile{Version: int(time.Now().Unix()), Rules: rules}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("guardrails: encoding rule file: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(s.path), ".rules.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("guardrails: writing rule file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("guardrails: replacing rule file: %w", err)
	}
	return nil
}

// AppendEvent implements Store.
func (s *FileStore) AppendEvent(ctx context.Context, event RuleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("guardrails: encoding rule event: %w", err)
	}

	f, err := os.OpenFile(s.eventPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("guardrails: opening event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("guardrails: appending rule event: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests and embedded use.
type MemoryStore struct {
	mu     sync.Mutex
	rules  []Rule
	events []RuleEvent
}

// NewMemoryStore creates a MemoryStore seeded with the given rules.
func NewMemoryStore(rules ...Rule) *MemoryStore {
	return &MemoryStore{rules: rules}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, rules []Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make([]Rule, len(rules))
	copy(s.rules, rules)
	return nil
}

// AppendEvent implements Store.
func (s *MemoryStore) AppendEvent(ctx context.Context, event RuleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the recorded audit events.
func (s *MemoryStore) Events() []RuleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RuleEvent, len(s.events))
	copy(out, s.events)
	return out
}
