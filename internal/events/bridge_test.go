package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialflow/internal/domain"
)

type collector struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collector) Broadcast(ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

func TestBridge_RelaysRedisEventsInOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	transport := NewRedisTransport(client)
	hub := &collector{}
	bridge := NewBridge(transport, "socialflow.events", hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bridge.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("socialflow.events")["socialflow.events"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	pub := NewPublisher(transport, "socialflow.events")
	for i, status := range []domain.ItemStatus{domain.ItemRunning, domain.ItemPublished} {
		item := domain.DispatchItem{ID: "itm_1", Status: status, ScheduledFor: time.Date(2025, 3, 1, 9, i, 0, 0, time.UTC)}
		require.NoError(t, pub.Emit(ctx, domain.ActionItemUpdate, item))
	}

	require.Eventually(t, func() bool { return len(hub.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	got := hub.snapshot()
	var first, second domain.DispatchItem
	require.NoError(t, json.Unmarshal(got[0].Data, &first))
	require.NoError(t, json.Unmarshal(got[1].Data, &second))
	assert.Equal(t, domain.ActionItemUpdate, got[0].Action)
	assert.Equal(t, domain.ItemRunning, first.Status)
	assert.Equal(t, domain.ItemPublished, second.Status)
	assert.Contains(t, string(got[0].Data), `"scheduled_for":"2025-03-01T09:00:00Z"`)
}

// flakyTransport fails the first subscribe and breaks the first live subscription.
type flakyTransport struct {
	mu         sync.Mutex
	subscribes int
	feeds      []chan Message
}

func (f *flakyTransport) Publish(context.Context, string, []byte) error { return nil }

func (f *flakyTransport) Subscribe(context.Context, string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribes == 1 {
		return nil, errors.New("connection refused")
	}
	ch := make(chan Message, 8)
	f.feeds = append(f.feeds, ch)
	return &chanSub{ch: ch}, nil
}

func (f *flakyTransport) feed(i int) chan Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.feeds) {
		return nil
	}
	return f.feeds[i]
}

type chanSub struct{ ch chan Message }

func (s *chanSub) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m, ok := <-s.ch:
		if !ok {
			return Message{}, errors.New("connection reset")
		}
		return m, nil
	}
}

func (s *chanSub) Close() error { return nil }

func event(t *testing.T, id string) Message {
	ev, err := domain.NewEvent(domain.ActionItemUpdate, map[string]string{"id": id}, time.Now())
	require.NoError(t, err)
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return Message{Topic: "t", Payload: b}
}

func TestBridge_ResubscribesAfterDisconnect(t *testing.T) {
	tr := &flakyTransport{}
	hub := &collector{}
	bridge := NewBridge(tr, "t", hub)
	bridge.minBackoff = time.Millisecond
	bridge.maxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bridge.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	require.Eventually(t, func() bool { return tr.feed(0) != nil }, time.Second, time.Millisecond)
	tr.feed(0) <- event(t, "a")
	tr.feed(0) <- Message{Topic: "t", Payload: []byte("not json")}
	close(tr.feed(0))

	require.Eventually(t, func() bool { return tr.feed(1) != nil }, time.Second, time.Millisecond)
	tr.feed(1) <- event(t, "b")

	require.Eventually(t, func() bool { return len(hub.snapshot()) == 2 }, time.Second, time.Millisecond)
	got := hub.snapshot()
	assert.JSONEq(t, `{"id":"a"}`, string(got[0].Data))
	assert.JSONEq(t, `{"id":"b"}`, string(got[1].Data))
}

func TestBridge_StopsOnCancel(t *testing.T) {
	tr := &flakyTransport{}
	bridge := NewBridge(tr, "t", &collector{})
	bridge.minBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bridge.Run(ctx); close(done) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
}
