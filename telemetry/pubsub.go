// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes audit records to a Google Cloud Pub/Sub topic for
// downstream compliance pipelines. Record blocks on the publish result so
// the success path stays durable.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects to Pub/Sub and binds the topic.
func NewPubSubSink(ctx context.Context, gcpProjectID, topicID string) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, gcpProjectID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating pubsub client: %w", err)
	}

	return &PubSubSink{
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

// Record implements Sink.
func (s *PubSubSink) Record(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("telemetry: encoding record: %w", err)
	}

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"project_id": rec.ProjectID,
			"status":     string(rec.Status),
		},
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("telemetry: publishing record %s: %w", rec.RequestID, err)
	}
	return nil
}

// Close stops the topic's publish goroutines and the client.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	return s.client.Close()
}
