package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
)

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	JobType   string `json:"jobType"`
	CallerID  string `json:"callerId"`
	State     string `json:"state"`
	ResultURL string `json:"resultUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EventPublisher publishes job events to a Pub/Sub topic.
type EventPublisher struct {
	topic *pubsub.Topic
}

func NewEventPublisher(topic *pubsub.Topic) (*EventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	return &EventPublisher{topic: topic}, nil
}

// Publish sends the event and waits for the server id.
func (p *EventPublisher) Publish(ctx context.Context, event JobEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal job event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "jobId", event.JobID)
	setAttr(attrs, "jobType", event.JobType)
	setAttr(attrs, "state", event.State)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish job event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
