package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestHub_FansOutDespiteFailures(t *testing.T) {
	hub := NewHub(nil)

	var got []Type
	hub.Subscribe(PublisherFunc(func(ctx context.Context, ev Event) error {
		return errors.New("broken subscriber")
	}))
	hub.Subscribe(PublisherFunc(func(ctx context.Context, ev Event) error {
		got = append(got, ev.Type)
		return nil
	}))

	hub.Notify(context.Background(), New(TypeSyncCompleted, 1, nil))
	hub.Notify(context.Background(), New(TypeArtifactCreated, 1, nil))

	if len(got) != 2 || got[0] != TypeSyncCompleted || got[1] != TypeArtifactCreated {
		t.Errorf("delivered = %v, want both events in order", got)
	}
}

func TestNew_MarshalsPayload(t *testing.T) {
	ev := New(TypeArtifactUpdated, 7, ArtifactData{RecordID: "p1", ArtifactID: "m1", Status: "Fixed"})

	var data ArtifactData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if data.ArtifactID != "m1" || data.Status != "Fixed" {
		t.Errorf("payload = %+v", data)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestKafkaMessage(t *testing.T) {
	ev := New(TypeArtifactRetired, 42, nil)
	msg, err := kafkaMessage(ev)
	if err != nil {
		t.Fatalf("kafkaMessage() failed: %v", err)
	}
	if string(msg.Key) != "42" {
		t.Errorf("Key = %q, want 42", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(TypeArtifactRetired) {
		t.Errorf("Headers = %+v", msg.Headers)
	}
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error without topic")
	}
}
