// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	rec := testRecord()
	require.NoError(t, sink.Record(context.Background(), rec))
	rec.RequestID = "req-2"
	rec.Status = StatusBlocked
	require.NoError(t, sink.Record(context.Background(), rec))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"request_id":"req-1"`)
	assert.Contains(t, lines[1], `"status":"blocked"`)
}
