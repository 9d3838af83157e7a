package link

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	value, err := store.Get(ctx, "accounts/a/devices/d")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte(nil), value)

	err = store.Set(ctx, "accounts/a/devices/d", []byte(`{"display_name":"phone"}`))
	assert.Equal(t, nil, err)

	value, err = store.Get(ctx, "accounts/a/devices/d")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte(`{"display_name":"phone"}`), value)
}

func TestMemoryStoreUpdateMerges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Set(ctx, "accounts/a/device", []byte(`{"display_name":"phone","is_online":true}`))
	assert.Equal(t, nil, err)

	err = store.Update(ctx, "accounts/a/device", map[string]any{
		"is_online": false,
	})
	assert.Equal(t, nil, err)

	value, err := store.Get(ctx, "accounts/a/device")
	assert.Equal(t, nil, err)

	var record map[string]any
	err = json.Unmarshal(value, &record)
	assert.Equal(t, nil, err)
	assert.Equal(t, "phone", record["display_name"])
	assert.Equal(t, false, record["is_online"])
}

func TestMemoryStoreUpdateCreates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Update(ctx, "accounts/a/device", map[string]any{
		"display_name": "phone",
	})
	assert.Equal(t, nil, err)

	value, err := store.Get(ctx, "accounts/a/device")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, value)
}

func TestMemoryStoreServerTimestamp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	before := time.Now().UnixMilli()
	err := store.Set(ctx, "accounts/a/m/1", []byte(fmt.Sprintf(`{"body":"hi","timestamp":"%s"}`, ServerTimestamp)))
	assert.Equal(t, nil, err)
	after := time.Now().UnixMilli()

	value, err := store.Get(ctx, "accounts/a/m/1")
	assert.Equal(t, nil, err)

	var record struct {
		Body      string `json:"body"`
		Timestamp int64  `json:"timestamp"`
	}
	err = json.Unmarshal(value, &record)
	assert.Equal(t, nil, err)
	assert.Equal(t, "hi", record.Body)
	if record.Timestamp < before || after < record.Timestamp {
		t.Fatalf("timestamp %d outside [%d, %d]", record.Timestamp, before, after)
	}

	err = store.Update(ctx, "accounts/a/m/1", map[string]any{
		"timestamp": ServerTimestamp,
	})
	assert.Equal(t, nil, err)
	value, _ = store.Get(ctx, "accounts/a/m/1")
	err = json.Unmarshal(value, &record)
	assert.Equal(t, nil, err)
	if record.Timestamp < before {
		t.Fatalf("timestamp not refreshed")
	}
}

func TestMemoryStoreChildrenDirectOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.Set(ctx, "accounts/a/messages/1", []byte(`{}`))
	store.Set(ctx, "accounts/a/messages/2", []byte(`{}`))
	store.Set(ctx, "accounts/a/messages/2/reactions/x", []byte(`{}`))
	store.Set(ctx, "accounts/a/other", []byte(`{}`))

	children, err := store.Children(ctx, "accounts/a/messages")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(children))
	assert.NotEqual(t, nil, children["1"])
	assert.NotEqual(t, nil, children["2"])
}

func TestMemoryStoreDeleteSubtree(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.Set(ctx, "accounts/a/signaling/c", []byte(`{}`))
	store.Set(ctx, "accounts/a/signaling/c/offer", []byte(`{}`))
	store.Set(ctx, "accounts/a/signaling/c/ice_candidates_local/1", []byte(`{}`))
	store.Set(ctx, "accounts/a/messages/1", []byte(`{}`))

	err := store.Delete(ctx, "accounts/a/signaling/c")
	assert.Equal(t, nil, err)

	for _, path := range []string{
		"accounts/a/signaling/c",
		"accounts/a/signaling/c/offer",
		"accounts/a/signaling/c/ice_candidates_local/1",
	} {
		value, _ := store.Get(ctx, path)
		assert.Equal(t, []byte(nil), value)
	}

	value, _ := store.Get(ctx, "accounts/a/messages/1")
	assert.NotEqual(t, nil, value)
}

func TestMemoryStoreTransact(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Transact(ctx, "accounts/a/counter", func(current []byte) ([]byte, error) {
		assert.Equal(t, []byte(nil), current)
		return []byte(`{"n":1}`), nil
	})
	assert.Equal(t, nil, err)

	err = store.Transact(ctx, "accounts/a/counter", func(current []byte) ([]byte, error) {
		assert.Equal(t, []byte(`{"n":1}`), current)
		return []byte(`{"n":2}`), nil
	})
	assert.Equal(t, nil, err)

	// an aborted transact leaves the value untouched
	abort := fmt.Errorf("abort")
	err = store.Transact(ctx, "accounts/a/counter", func(current []byte) ([]byte, error) {
		return nil, abort
	})
	assert.Equal(t, abort, err)

	value, _ := store.Get(ctx, "accounts/a/counter")
	assert.Equal(t, []byte(`{"n":2}`), value)
}

func TestMemoryStoreSubscribeLiveEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()

	sub, err := store.SubscribeChildEvents(ctx, "accounts/a/messages", SubscribeScope{})
	assert.Equal(t, nil, err)
	defer sub.Close()

	store.Set(ctx, "accounts/a/messages/1", []byte(`{"body":"hi"}`))
	store.Set(ctx, "accounts/a/messages/1", []byte(`{"body":"edited"}`))
	store.Delete(ctx, "accounts/a/messages/1")

	event := <-sub.Events()
	assert.Equal(t, StoreEventAdded, event.Type)
	assert.Equal(t, "accounts/a/messages", event.Path)
	assert.Equal(t, "1", event.Key)
	assert.Equal(t, "accounts/a/messages/1", event.ChildPath())

	event = <-sub.Events()
	assert.Equal(t, StoreEventChanged, event.Type)
	assert.Equal(t, []byte(`{"body":"edited"}`), event.Value)

	event = <-sub.Events()
	assert.Equal(t, StoreEventRemoved, event.Type)
	assert.Equal(t, []byte(nil), event.Value)
}

func TestMemoryStoreSubscribeReplaysExisting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()

	store.Set(ctx, "accounts/a/messages/1", []byte(`{}`))
	store.Set(ctx, "accounts/a/messages/2", []byte(`{}`))

	sub, err := store.SubscribeChildEvents(ctx, "accounts/a/messages", SubscribeScope{})
	assert.Equal(t, nil, err)
	defer sub.Close()

	keys := map[string]bool{}
	for i := 0; i < 2; i += 1 {
		event := <-sub.Events()
		assert.Equal(t, StoreEventAdded, event.Type)
		keys[event.Key] = true
	}
	assert.Equal(t, true, keys["1"])
	assert.Equal(t, true, keys["2"])
}

func TestMemoryStoreSubscribeScopeStartTime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()

	old := time.Now().Add(-time.Hour).UnixMilli()
	store.Set(ctx, "accounts/a/call_commands/old", []byte(fmt.Sprintf(`{"command":"answer","timestamp":%d}`, old)))

	sub, err := store.SubscribeChildEvents(ctx, "accounts/a/call_commands", ScopeFromNow())
	assert.Equal(t, nil, err)
	defer sub.Close()

	// the stale command is filtered, the fresh one delivers
	fresh := time.Now().UnixMilli()
	store.Set(ctx, "accounts/a/call_commands/new", []byte(fmt.Sprintf(`{"command":"end","timestamp":%d}`, fresh)))

	event := <-sub.Events()
	assert.Equal(t, "new", event.Key)
}

func TestMemoryStoreSubscribeLimitLast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()

	for i := 0; i < 5; i += 1 {
		store.Set(ctx, fmt.Sprintf("accounts/a/messages/%d", i), []byte(`{}`))
	}

	sub, err := store.SubscribeChildEvents(ctx, "accounts/a/messages", SubscribeScope{
		LimitLast: 2,
	})
	assert.Equal(t, nil, err)
	defer sub.Close()

	event := <-sub.Events()
	assert.Equal(t, "3", event.Key)
	event = <-sub.Events()
	assert.Equal(t, "4", event.Key)
}

func TestMemoryStoreSubscriptionCloseStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()

	sub, err := store.SubscribeChildEvents(ctx, "accounts/a/messages", SubscribeScope{})
	assert.Equal(t, nil, err)
	sub.Close()
	// close is idempotent
	sub.Close()

	// a write after close must not panic on the closed channel
	err = store.Set(ctx, "accounts/a/messages/1", []byte(`{}`))
	assert.Equal(t, nil, err)

	_, ok := <-sub.Events()
	assert.Equal(t, false, ok)
}

func TestSubscribeScopeAdmits(t *testing.T) {
	now := time.Now()

	scope := SubscribeScope{}
	assert.Equal(t, true, scope.Admits(now.Add(-24*time.Hour).UnixMilli(), now))

	scope = SubscribeScope{StartTime: now.Add(-time.Minute)}
	assert.Equal(t, true, scope.Admits(now.UnixMilli(), now))
	assert.Equal(t, false, scope.Admits(now.Add(-time.Hour).UnixMilli(), now))

	scope = SubscribeScope{Window: time.Hour}
	assert.Equal(t, true, scope.Admits(now.Add(-time.Minute).UnixMilli(), now))
	assert.Equal(t, false, scope.Admits(now.Add(-2*time.Hour).UnixMilli(), now))
}
