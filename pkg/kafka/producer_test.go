package kafka

import (
	"context"
	"testing"
	"time"

	"hermes/pkg/logging"
)

func TestNewProducerRequiresBrokers(t *testing.T) {
	if _, err := NewProducer(nil, "hermes", logging.NewDiscardLogger()); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestProduceFailsWithoutBroker(t *testing.T) {
	p, err := NewProducer([]string{"127.0.0.1:1"}, "hermes", logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := p.Produce(ctx, "bridge_events", []byte("k"), []byte("{}"), nil); err == nil {
		t.Fatalf("expected produce error against closed port")
	}
	if p.Client() == nil {
		t.Fatalf("expected client")
	}
}
