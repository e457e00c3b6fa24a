// Package events carries sync notifications from the engine to observers:
// the dashboard websocket stream and, optionally, a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type names an event.
type Type string

const (
	TypeSyncCompleted   Type = "sync.completed"
	TypeArtifactCreated Type = "artifact.created"
	TypeArtifactUpdated Type = "artifact.updated"
	TypeArtifactRetired Type = "artifact.retired"
	TypeBulkCompleted   Type = "bulk.completed"
	TypeStatusChanged   Type = "status.changed"
)

// Event is one notification. Data holds a type-specific JSON payload.
type Event struct {
	Type         Type            `json:"type"`
	ConnectionID int64           `json:"connection_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// New builds an event, marshaling data as its payload. A payload that fails
// to marshal is dropped; the event itself still goes out.
func New(typ Type, connectionID int64, data any) Event {
	ev := Event{Type: typ, ConnectionID: connectionID, Timestamp: time.Now()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// ArtifactData describes a single artifact change.
type ArtifactData struct {
	RecordID    string `json:"record_id"`
	ArtifactID  string `json:"artifact_id"`
	ExternalKey string `json:"external_key,omitempty"`
	Title       string `json:"title,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Publisher receives events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Hub fans events out to every subscribed publisher. A failing subscriber is
// logged and never blocks the others.
type Hub struct {
	mu     sync.RWMutex
	subs   []Publisher
	logger logrus.FieldLogger
}

// NewHub creates an empty hub.
func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "events")
	}
	return &Hub{logger: logger}
}

// Subscribe adds a publisher to the fan-out.
func (h *Hub) Subscribe(p Publisher) {
	h.mu.Lock()
	h.subs = append(h.subs, p)
	h.mu.Unlock()
}

// Notify publishes ev to all subscribers.
func (h *Hub) Notify(ctx context.Context, ev Event) {
	h.mu.RLock()
	subs := make([]Publisher, len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.Publish(ctx, ev); err != nil {
			h.logger.WithError(err).WithField("event", ev.Type).Warn("failed to publish event")
		}
	}
}
