package link

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestFeed(t *testing.T, store RemoteStore, local LocalStore) *ChangeFeedProcessor {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	feed := NewChangeFeedProcessorWithDefaults(ctx, store, local)
	t.Cleanup(feed.Close)
	return feed
}

type eventCollector struct {
	mutex  sync.Mutex
	events []StoreEvent
}

func (self *eventCollector) handle(event StoreEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.events = append(self.events, event)
}

func (self *eventCollector) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.events)
}

func (self *eventCollector) at(i int) StoreEvent {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.events[i]
}

func TestFeedDeliversEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	feed := newTestFeed(t, store, nil)

	collector := &eventCollector{}
	handle, err := feed.Subscribe("accounts/a/messages", SubscribeScope{}, collector.handle)
	assert.Equal(t, nil, err)
	assert.Equal(t, "accounts/a/messages", handle.Path())

	store.Set(ctx, "accounts/a/messages/1", []byte(`{"body":"hi"}`))

	waitFor(t, time.Second, func() bool {
		return 1 <= collector.count()
	})
	event := collector.at(0)
	assert.Equal(t, StoreEventAdded, event.Type)
	assert.Equal(t, "1", event.Key)
}

func TestFeedOversizedEventDropped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	settings := DefaultFeedSettings()
	settings.MaxPayloadByteCount = kib(1)
	feed := NewChangeFeedProcessor(cancelCtx, store, nil, settings)
	defer feed.Close()

	var advisoryMutex sync.Mutex
	advisories := []string{}
	feed.AddAdvisoryCallback(func(message string) {
		advisoryMutex.Lock()
		defer advisoryMutex.Unlock()
		advisories = append(advisories, message)
	})

	collector := &eventCollector{}
	_, err := feed.Subscribe("accounts/a/photos", SubscribeScope{}, collector.handle)
	assert.Equal(t, nil, err)

	oversized := fmt.Sprintf(`{"data":"%s"}`, bytes.Repeat([]byte("x"), 2048))
	store.Set(ctx, "accounts/a/photos/big", []byte(oversized))
	store.Set(ctx, "accounts/a/photos/small", []byte(`{"data":"y"}`))

	// only the small record reaches the handler, and the user hears why
	waitFor(t, time.Second, func() bool {
		return 1 <= collector.count()
	})
	assert.Equal(t, "small", collector.at(0).Key)

	advisoryMutex.Lock()
	defer advisoryMutex.Unlock()
	assert.Equal(t, []string{"sync skipped: data too large"}, advisories)
}

func TestFeedForwardMessageOversized(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	settings := DefaultFeedSettings()
	settings.MaxPayloadByteCount = kib(1)
	feed := NewChangeFeedProcessor(cancelCtx, store, nil, settings)
	defer feed.Close()

	accountId := NewId()
	record := &MessageRecord{
		MessageId:      "m1",
		ConversationId: "c1",
		Body:           string(bytes.Repeat([]byte("x"), 2048)),
		Timestamp:      time.Now().UnixMilli(),
	}
	err := feed.ForwardMessage(ctx, accountId, record)
	assert.Equal(t, ErrOversizedPayload, err)

	value, err := store.Get(ctx, AccountPath(accountId, "messages", "m1"))
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte(nil), value)
}

func TestFeedDedupWindow(t *testing.T) {
	dedup := newDedupWindow(100 * time.Millisecond)

	f := eventFingerprint("accounts/a/messages", "1", []byte(`{"body":"hi"}`))
	assert.Equal(t, false, dedup.Seen(f))
	assert.Equal(t, true, dedup.Seen(f))

	// a different payload is a different event
	g := eventFingerprint("accounts/a/messages", "1", []byte(`{"body":"edited"}`))
	assert.Equal(t, false, dedup.Seen(g))

	// outside the window the same fingerprint is fresh again
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, false, dedup.Seen(f))
}

func TestFeedDuplicateDeliveryCollapses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	feed := newTestFeed(t, store, nil)

	collector := &eventCollector{}
	_, err := feed.Subscribe("accounts/a/messages", SubscribeScope{}, collector.handle)
	assert.Equal(t, nil, err)

	// the same physical write reported twice inside the window
	store.Set(ctx, "accounts/a/messages/1", []byte(`{"body":"hi"}`))
	store.Set(ctx, "accounts/a/messages/1", []byte(`{"body":"hi"}`))

	waitFor(t, time.Second, func() bool {
		return 1 <= collector.count()
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, collector.count())
}

func TestFeedHandlerPanicIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	feed := newTestFeed(t, store, nil)

	collector := &eventCollector{}
	_, err := feed.Subscribe("accounts/a/messages", SubscribeScope{}, func(event StoreEvent) {
		collector.handle(event)
		if event.Key == "bad" {
			panic("malformed record")
		}
	})
	assert.Equal(t, nil, err)

	store.Set(ctx, "accounts/a/messages/bad", []byte(`{"body":"boom"}`))
	store.Set(ctx, "accounts/a/messages/good", []byte(`{"body":"hi"}`))

	// the subscription survives the panic
	waitFor(t, time.Second, func() bool {
		return 2 <= collector.count()
	})
	assert.Equal(t, "good", collector.at(1).Key)
}

func TestFeedResubscribeReplaces(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	feed := newTestFeed(t, store, nil)

	first := &eventCollector{}
	_, err := feed.Subscribe("accounts/a/messages", SubscribeScope{}, first.handle)
	assert.Equal(t, nil, err)

	second := &eventCollector{}
	_, err = feed.Subscribe("accounts/a/messages", SubscribeScope{}, second.handle)
	assert.Equal(t, nil, err)

	store.Set(ctx, "accounts/a/messages/1", []byte(`{"body":"hi"}`))

	waitFor(t, time.Second, func() bool {
		return 1 <= second.count()
	})
	// the first subscription was replaced, the path never delivers twice
	assert.Equal(t, 0, first.count())
}

func TestFeedConcurrentSubscribeSamePath(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	feed := newTestFeed(t, store, nil)

	collector := &eventCollector{}
	handles := make([]*FeedHandle, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], _ = feed.Subscribe("accounts/a/messages", SubscribeScope{}, collector.handle)
		}(i)
	}
	wg.Wait()

	feed.mutex.Lock()
	survivor := feed.subs["accounts/a/messages"]
	feed.mutex.Unlock()
	assert.NotEqual(t, nil, survivor)

	// every replaced handle was closed, none is left pumping
	closed := 0
	for _, handle := range handles {
		assert.NotEqual(t, nil, handle)
		if handle == survivor {
			continue
		}
		select {
		case _, ok := <-handle.childEvents.Events():
			assert.Equal(t, false, ok)
			closed += 1
		default:
			t.Fatal("orphaned live subscription")
		}
	}
	assert.Equal(t, 7, closed)

	store.Set(ctx, "accounts/a/messages/1", []byte(`{"body":"hi"}`))
	waitFor(t, time.Second, func() bool {
		return 1 <= collector.count()
	})
	assert.Equal(t, 1, collector.count())
}

func TestFeedUnsubscribeIdempotent(t *testing.T) {
	store := NewMemoryStore()
	feed := newTestFeed(t, store, nil)

	handle, err := feed.Subscribe("accounts/a/messages", SubscribeScope{}, func(event StoreEvent) {})
	assert.Equal(t, nil, err)

	feed.Unsubscribe(handle)
	feed.Unsubscribe(handle)
	feed.Unsubscribe(nil)
}

func TestFeedForwardMessage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	feed := newTestFeed(t, store, nil)
	accountId := NewId()

	record := &MessageRecord{
		MessageId:      "m1",
		ConversationId: "c1",
		Address:        "+15550100",
		Body:           "hi",
		Incoming:       true,
		Timestamp:      time.Now().UnixMilli(),
	}
	err := feed.ForwardMessage(ctx, accountId, record)
	assert.Equal(t, nil, err)

	value, err := store.Get(ctx, AccountPath(accountId, "messages", "m1"))
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, value)

	// the same arrival reported twice collapses to one write
	store.Delete(ctx, AccountPath(accountId, "messages", "m1"))
	err = feed.ForwardMessage(ctx, accountId, record)
	assert.Equal(t, nil, err)
	value, err = store.Get(ctx, AccountPath(accountId, "messages", "m1"))
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte(nil), value)
}
