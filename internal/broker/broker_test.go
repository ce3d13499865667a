package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/componentry/relay/internal/event"
)

func testEvent(t *testing.T, title string) event.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"title": title})
	require.NoError(t, err)
	ev, err := event.New(event.KindCard, payload)
	require.NoError(t, err)
	return ev
}

func receive(t *testing.T, sub *Subscription) event.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription queue closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func TestFanOutDeliversToAllSubscribersInOrder(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	subs := []*Subscription{
		b.Subscribe("components"),
		b.Subscribe("components"),
		b.Subscribe("components"),
	}

	var published []event.Event
	for i := 0; i < 5; i++ {
		ev := testEvent(t, fmt.Sprintf("event-%d", i))
		published = append(published, ev)
		b.Publish("components", ev)
	}

	for _, sub := range subs {
		for i := 0; i < 5; i++ {
			got := receive(t, sub)
			assert.Equal(t, published[i].ID, got.ID, "delivery out of publish order")
		}
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	b.Publish("components", testEvent(t, "early"))

	sub := b.Subscribe("components")
	select {
	case ev := <-sub.C():
		t.Fatalf("late subscriber saw pre-join event %s", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}

	late := testEvent(t, "late")
	b.Publish("components", late)
	assert.Equal(t, late.ID, receive(t, sub).ID)
}

func TestDropOldestWhenQueueFull(t *testing.T) {
	b := New(Options{QueueSize: 2})
	defer b.Close()

	sub := b.Subscribe("components")

	first := testEvent(t, "first")
	second := testEvent(t, "second")
	third := testEvent(t, "third")

	b.Publish("components", first)
	b.Publish("components", second)
	b.Publish("components", third)

	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, second.ID, receive(t, sub).ID, "oldest event should have been evicted")
	assert.Equal(t, third.ID, receive(t, sub).ID, "newest event must still be enqueued")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub := b.Subscribe("components")
	require.Equal(t, 1, b.SubscriberCount("components"))

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount("components"))

	b.Publish("components", testEvent(t, "after"))

	// The queue is closed; nothing new may arrive on it.
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "expected closed queue, got a delivery")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("queue should be closed after unsubscribe")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub := b.Subscribe("components")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount("components"))
}

func TestUnsubscribeConcurrentWithPublish(t *testing.T) {
	b := New(Options{QueueSize: 8})
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub := b.Subscribe("components")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range sub.C() {
			}
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe(sub)
		}()
	}

	ev := testEvent(t, "concurrent")
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			b.Publish("components", ev)
		}
	}()

	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount("components"))
}

func TestTopicsDoNotCrossDeliver(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	cards := b.Subscribe("cards")
	forms := b.Subscribe("forms")

	ev := testEvent(t, "card-only")
	b.Publish("cards", ev)

	assert.Equal(t, ev.ID, receive(t, cards).ID)
	select {
	case got := <-forms.C():
		t.Fatalf("event %s leaked across topics", got.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHistoryIsCapped(t *testing.T) {
	b := New(Options{HistoryLimit: 5})
	defer b.Close()

	var last []string
	for i := 0; i < 8; i++ {
		ev := testEvent(t, fmt.Sprintf("h-%d", i))
		b.Publish("components", ev)
		last = append(last, ev.ID)
	}
	last = last[len(last)-5:]

	recent := b.Recent()
	require.Len(t, recent, 5)
	assert.Equal(t, 5, b.Len())
	for i, ev := range recent {
		assert.Equal(t, last[i], ev.ID)
	}
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	b := New(Options{})
	sub := b.Subscribe("components")
	b.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("components"))

	// Publishing after close is a no-op, not a panic.
	b.Publish("components", testEvent(t, "ignored"))
	assert.Equal(t, 0, b.Len())
}
