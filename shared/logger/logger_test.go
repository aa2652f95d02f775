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

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "gateway",
			instanceID:     "instance-123",
			expectedComp:   "gateway",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "gateway",
			instanceID:     "",
			expectedComp:   "gateway",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("Failed to unset INSTANCE_ID: %v", err)
				}
			}

			logger := New(tt.component)

			if logger.Component != tt.expectedComp {
				t.Errorf("Expected component %s, got %s", tt.expectedComp, logger.Component)
			}
			if logger.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, logger.InstanceID)
			}
			if logger.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

func captureEntry(t *testing.T, logFn func(l *Logger)) LogEntry {
	t.Helper()

	var buf bytes.Buffer
	logger := New("test-component")
	logger.SetOutput(&buf)
	logFn(logger)

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log: %v\nOutput: %s", err, buf.String())
	}
	return entry
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name      string
		logFunc   func(*Logger, string, string, string, map[string]any)
		level     LogLevel
		message   string
		projectID string
		requestID string
		fields    map[string]any
	}{
		{
			name:      "Info log",
			logFunc:   (*Logger).Info,
			level:     INFO,
			message:   "Test info message",
			projectID: "proj-123",
			requestID: "req-456",
			fields:    map[string]any{"key": "value"},
		},
		{
			name:      "Error log",
			logFunc:   (*Logger).Error,
			level:     ERROR,
			message:   "Test error message",
			projectID: "proj-789",
			requestID: "req-012",
			fields:    nil,
		},
		{
			name:      "Warn log",
			logFunc:   (*Logger).Warn,
			level:     WARN,
			message:   "Test warning message",
			projectID: "proj-abc",
			requestID: "req-def",
			fields:    nil,
		},
		{
			name:      "Debug log",
			logFunc:   (*Logger).Debug,
			level:     DEBUG,
			message:   "Test debug message",
			projectID: "proj-xyz",
			requestID: "req-uvw",
			fields:    map[string]any{"debug_info": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := captureEntry(t, func(l *Logger) {
				tt.logFunc(l, tt.projectID, tt.requestID, tt.message, tt.fields)
			})

			if entry.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.Message != tt.message {
				t.Errorf("Expected message '%s', got '%s'", tt.message, entry.Message)
			}
			if entry.ProjectID != tt.projectID {
				t.Errorf("Expected project ID '%s', got '%s'", tt.projectID, entry.ProjectID)
			}
			if entry.RequestID != tt.requestID {
				t.Errorf("Expected request ID '%s', got '%s'", tt.requestID, entry.RequestID)
			}
			if entry.Component != "test-component" {
				t.Errorf("Expected component 'test-component', got '%s'", entry.Component)
			}
			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("Invalid timestamp format: %s", entry.Timestamp)
			}
			for key, expected := range tt.fields {
				if actual, ok := entry.Fields[key]; !ok {
					t.Errorf("Expected field '%s' not found", key)
				} else if actual != expected {
					t.Errorf("Field '%s': expected %v, got %v", key, expected, actual)
				}
			}
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.InfoWithDuration("proj-123", "req-456", "Request completed", 123.45, map[string]any{
			"endpoint": "/api/v1/invoke",
		})
	})

	if entry.Level != INFO {
		t.Errorf("Expected INFO level, got %s", entry.Level)
	}
	if entry.Fields["duration_ms"] != 123.45 {
		t.Errorf("Expected duration_ms 123.45, got %v", entry.Fields["duration_ms"])
	}
	if entry.Fields["endpoint"] != "/api/v1/invoke" {
		t.Errorf("Expected endpoint '/api/v1/invoke', got %v", entry.Fields["endpoint"])
	}
}

func TestErrorWithErr(t *testing.T) {
	t.Run("with error", func(t *testing.T) {
		entry := captureEntry(t, func(l *Logger) {
			l.ErrorWithErr("proj-123", "req-456", "Request failed",
				errors.New("provider unavailable"), map[string]any{"provider": "anthropic"})
		})

		if entry.Level != ERROR {
			t.Errorf("Expected ERROR level, got %s", entry.Level)
		}
		if entry.Fields["error"] != "provider unavailable" {
			t.Errorf("Expected error field 'provider unavailable', got %v", entry.Fields["error"])
		}
		if entry.Fields["provider"] != "anthropic" {
			t.Errorf("Expected provider field preserved, got %v", entry.Fields["provider"])
		}
	})

	t.Run("without error", func(t *testing.T) {
		entry := captureEntry(t, func(l *Logger) {
			l.ErrorWithErr("proj-123", "req-456", "Request failed", nil, nil)
		})

		if _, ok := entry.Fields["error"]; ok {
			t.Error("Expected no error field when err is nil")
		}
	})
}

func BenchmarkLog(b *testing.B) {
	logger := New("benchmark-component")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	fields := map[string]any{
		"operation":    "chat",
		"input_tokens": 150,
		"elapsed_ms":   45.67,
		"success":      true,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("proj-123", "req-456", "Processing request", fields)
	}
}
