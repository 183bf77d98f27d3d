package event

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"go.uber.org/zap"
)

func TestPublish_DeliversToTopicAndWildcard(t *testing.T) {
	b := NewBus(zap.NewNop())

	var topicHits, allHits int
	b.Subscribe("agent.sync.completed", func(_ context.Context, _ plugin.Event) { topicHits++ })
	b.Subscribe("finding.sync.completed", func(_ context.Context, _ plugin.Event) {
		t.Error("handler for other topic should not be called")
	})
	b.SubscribeAll(func(_ context.Context, _ plugin.Event) { allHits++ })

	if err := b.Publish(context.Background(), plugin.Event{Topic: "agent.sync.completed", Source: "agents"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if topicHits != 1 || allHits != 1 {
		t.Errorf("topicHits=%d allHits=%d, want 1 and 1", topicHits, allHits)
	}
}

func TestPublish_FillsTimestamp(t *testing.T) {
	b := NewBus(zap.NewNop())
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	b.nowFunc = func() time.Time { return fixed }

	var got time.Time
	b.SubscribeAll(func(_ context.Context, e plugin.Event) { got = e.Timestamp })
	b.Publish(context.Background(), plugin.Event{Topic: "x"})

	if !got.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", got, fixed)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(zap.NewNop())

	var hits int
	unsub := b.Subscribe("t", func(_ context.Context, _ plugin.Event) { hits++ })
	unsubAll := b.SubscribeAll(func(_ context.Context, _ plugin.Event) { hits++ })
	b.Publish(context.Background(), plugin.Event{Topic: "t"})
	unsub()
	unsubAll()
	b.Publish(context.Background(), plugin.Event{Topic: "t"})

	if hits != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
}

func TestPublish_RecoversFromPanic(t *testing.T) {
	b := NewBus(zap.NewNop())

	var after bool
	b.Subscribe("t", func(_ context.Context, _ plugin.Event) { panic("boom") })
	b.Subscribe("t", func(_ context.Context, _ plugin.Event) { after = true })

	b.Publish(context.Background(), plugin.Event{Topic: "t"})
	if !after {
		t.Error("handler after panicking handler was not called")
	}
}

func TestPublishAsync_Drain(t *testing.T) {
	b := NewBus(zap.NewNop())

	var hits atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		b.Subscribe("t", func(_ context.Context, _ plugin.Event) {
			defer wg.Done()
			hits.Add(1)
		})
	}

	b.PublishAsync(context.Background(), plugin.Event{Topic: "t"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	wg.Wait()
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}
