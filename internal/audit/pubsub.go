package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubSink publishes every event to a Cloud Pub/Sub topic. Events of one
// conversation share an ordering key.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubSink connects to the topic, creating it if it does not exist.
func NewPubSubSink(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("[Audit] Created Pub/Sub topic", "topic_id", topicID)
	}
	topic.EnableMessageOrdering = true

	s := &PubSubSink{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	s.logger.Printf("✅ Connected to Pub/Sub topic: %s", topic.String())
	return s, nil
}

func (s *PubSubSink) Name() string { return "pubsub" }

// Write publishes the batch and waits for every result. It runs on the
// flush loop, never on the dispatch path.
func (s *PubSubSink) Write(ctx context.Context, events []Event) error {
	results := make([]*pubsub.PublishResult, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("audit pubsub sink: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: payload,
			Attributes: map[string]string{
				"event-id": e.ID,
				"action":   e.Action,
				"result":   e.Result,
				"severity": string(e.Severity),
				"time":     e.Timestamp.Format(time.RFC3339Nano),
			},
			OrderingKey: e.ConversationID,
		}))
	}

	var failed int
	var firstErr error
	for i, r := range results {
		if _, err := r.Get(ctx); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			if key := events[i].ConversationID; key != "" {
				s.topic.ResumePublish(key)
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("audit pubsub sink: %d of %d publishes failed: %w", failed, len(results), firstErr)
	}
	return nil
}

func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	s.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}
