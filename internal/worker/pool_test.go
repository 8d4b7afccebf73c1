package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YaganovValera/market-data-relay/internal/bridge"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
)

func newQueue(t *testing.T, partitions int) *bridge.Bridge {
	t.Helper()
	b, err := bridge.New(bridge.Config{Capacity: 64, Partitions: partitions}, logger.Nop())
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	return b
}

func TestPoolProcessesAllMessages(t *testing.T) {
	q := newQueue(t, 3)

	var mu sync.Mutex
	seen := map[string]int{}
	h := HandlerFunc(func(_ context.Context, msg bridge.Message) error {
		mu.Lock()
		seen[msg.Topic]++
		mu.Unlock()
		return nil
	})

	p := New(Config{}, q, h, logger.Nop())
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	topics := []string{"quote/AAPL", "quote/TSLA", "orderbook/BTC-USD"}
	for i := 0; i < 5; i++ {
		for _, topic := range topics {
			if err := q.Publish(bridge.Message{Topic: topic, Payload: []byte("x")}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}
	}
	q.Close()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, topic := range topics {
		if seen[topic] != 5 {
			t.Errorf("topic %q processed %d times, want 5", topic, seen[topic])
		}
	}
}

func TestPoolPreservesPerTopicOrder(t *testing.T) {
	q := newQueue(t, 4)

	var mu sync.Mutex
	order := map[string][]string{}
	h := HandlerFunc(func(_ context.Context, msg bridge.Message) error {
		mu.Lock()
		order[msg.Topic] = append(order[msg.Topic], string(msg.Payload))
		mu.Unlock()
		return nil
	})

	p := New(Config{}, q, h, logger.Nop())
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	payloads := []string{"p0", "p1", "p2", "p3", "p4"}
	for _, pay := range payloads {
		for _, topic := range []string{"quote/AAPL", "quote/TSLA"} {
			if err := q.Publish(bridge.Message{Topic: topic, Payload: []byte(pay)}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}
	}
	q.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	for topic, got := range order {
		for i, pay := range got {
			if pay != payloads[i] {
				t.Errorf("topic %q: position %d = %q, want %q", topic, i, pay, payloads[i])
			}
		}
	}
}

func TestPoolIsolatesHandlerErrors(t *testing.T) {
	q := newQueue(t, 1)

	var mu sync.Mutex
	var processed []string
	h := HandlerFunc(func(_ context.Context, msg bridge.Message) error {
		mu.Lock()
		defer mu.Unlock()
		switch string(msg.Payload) {
		case "fail":
			return errors.New("boom")
		case "panic":
			panic("poison message")
		default:
			processed = append(processed, string(msg.Payload))
			return nil
		}
	})

	p := New(Config{}, q, h, logger.Nop())
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	for _, pay := range []string{"ok1", "fail", "panic", "ok2"} {
		if err := q.Publish(bridge.Message{Topic: "quote/AAPL", Payload: []byte(pay)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	q.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(processed) != 2 || processed[0] != "ok1" || processed[1] != "ok2" {
		t.Errorf("processed = %v, want [ok1 ok2]", processed)
	}
	if p.Processed() != 4 {
		t.Errorf("Processed() = %d, want 4", p.Processed())
	}
	if p.Errors() != 2 {
		t.Errorf("Errors() = %d, want 2 (error and panic)", p.Errors())
	}
}

func TestPoolDrainsOnShutdown(t *testing.T) {
	q := newQueue(t, 1)

	var mu sync.Mutex
	var count int
	h := HandlerFunc(func(_ context.Context, _ bridge.Message) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		if err := q.Publish(bridge.Message{Topic: "quote/AAPL", Payload: []byte("x")}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{DrainTimeout: 2 * time.Second}, q, h, logger.Nop())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// остановка на полпути: очередь закрывается, остаток дообрабатывается
	time.Sleep(15 * time.Millisecond)
	q.Close()
	cancel()

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("processed %d messages, want all 10 drained", count)
	}
}
