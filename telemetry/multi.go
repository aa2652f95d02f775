// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
)

// MultiSink fans one record out to several sinks. Every sink is attempted;
// errors are joined so a failing sink never hides another's failure.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out over the given sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Record implements Sink.
func (m *MultiSink) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordAsync implements AsyncSink, degrading to synchronous delivery for
// sinks that don't queue.
func (m *MultiSink) RecordAsync(rec Record) {
	for _, sink := range m.sinks {
		if async, ok := sink.(AsyncSink); ok {
			async.RecordAsync(rec)
			continue
		}
		_ = sink.Record(context.Background(), rec)
	}
}
