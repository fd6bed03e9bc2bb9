package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBusPublishSubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	_, err := b.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(ctx, domain.TopicDecision, []byte(`{"decision":"APPROVE"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Payload) != `{"decision":"APPROVE"}` {
			t.Errorf("unexpected payload: %s", msg.Payload)
		}
		if msg.Topic != domain.TopicDecision {
			t.Errorf("unexpected topic: %s", msg.Topic)
		}
		if msg.ID == "" {
			t.Error("expected a message id")
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestChannelBusTopicIsolation(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	var alerts int32
	b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		atomic.AddInt32(&alerts, 1)
		return nil
	})

	b.Publish(ctx, domain.TopicDecision, []byte("d"))
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&alerts) != 0 {
		t.Error("subscriber received a message from another topic")
	}
}

func TestChannelBusMultipleSubscribers(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	var count int32
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		b.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			atomic.AddInt32(&count, 1)
			wg.Done()
			return nil
		})
	}

	b.Publish(ctx, domain.TopicAlert, []byte("a"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the message")
	}

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2 deliveries, got %d", count)
	}
}

func TestChannelBusUnsubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	var count int32
	sub, _ := b.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	if sub.Topic() != domain.TopicDecision {
		t.Errorf("unexpected topic: %s", sub.Topic())
	}

	sub.Unsubscribe()
	time.Sleep(10 * time.Millisecond)

	b.Publish(ctx, domain.TopicDecision, []byte("d"))
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 0 {
		t.Error("unsubscribed handler still receiving messages")
	}
}

func TestChannelBusClosed(t *testing.T) {
	b := NewChannelBus(10)
	ctx := context.Background()

	if err := b.Ping(ctx); err != nil {
		t.Errorf("Ping on open bus failed: %v", err)
	}

	b.Close()

	if err := b.Publish(ctx, domain.TopicDecision, []byte("d")); err == nil {
		t.Error("expected error publishing to closed bus")
	}
	if _, err := b.Subscribe(ctx, domain.TopicDecision, nil); err == nil {
		t.Error("expected error subscribing to closed bus")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("expected error pinging closed bus")
	}

	// Double close is a no-op.
	if err := b.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestChannelBusCloseLeavesBuffersOpen(t *testing.T) {
	b := NewChannelBus(4)

	sub, err := b.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	cs := sub.(*channelSubscription)

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A publisher that snapshotted the subscriber list before Close must
	// be able to finish its send without panicking.
	cs.msgCh <- &domain.Message{Topic: domain.TopicDecision}
}

func TestNATSAsyncErrorHandlerNilSubscription(t *testing.T) {
	// Connection-level async errors arrive with a nil subscription; the
	// handler must not dereference it.
	natsAsyncErrorHandler(nil, nil, errors.New("slow consumer"))
	natsAsyncErrorHandler(nil, &nats.Subscription{Subject: domain.TopicAlert}, errors.New("dropped"))
}

func TestNewFactory(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported bus type")
	}
}
