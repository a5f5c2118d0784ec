package kafka

import (
	"context"
	"encoding/json"
	"testing"

	skafka "github.com/segmentio/kafka-go"
)

// fakeWriter is a test writer that records messages written.
type fakeWriter struct {
	msgs   []skafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...skafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublish(t *testing.T) {
	fw := &fakeWriter{}
	p := NewProducerWithWriter(fw)
	if err := p.Publish(context.Background(), "payment-1", map[string]string{"signal": "missing_device_id"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != "payment-1" {
		t.Fatalf("expected key payment-1, got %q", fw.msgs[0].Key)
	}
	var decoded map[string]string
	if err := json.Unmarshal(fw.msgs[0].Value, &decoded); err != nil || decoded["signal"] != "missing_device_id" {
		t.Fatalf("unexpected value %q (%v)", fw.msgs[0].Value, err)
	}
	if err := p.Close(); err != nil || !fw.closed {
		t.Fatal("expected writer to be closed")
	}
}
