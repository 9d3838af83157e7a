package link

import (
	"context"
	"time"
)

// The remote store is a cloud-hosted hierarchical keyed value store.
// All cross-device state flows through it: records are JSON values at
// slash-separated paths, and a subscription on a path delivers
// added/changed/removed events for that path's children.
//
// conflicts across devices resolve last-write-wins at the field level.
// the only cross-device atomic primitive is `Transact`, used for the
// group device-count check.

type StoreEventType string

const (
	StoreEventAdded   StoreEventType = "added"
	StoreEventChanged StoreEventType = "changed"
	StoreEventRemoved StoreEventType = "removed"
)

type StoreEvent struct {
	Type StoreEventType
	// the parent path the subscription was opened on
	Path string
	// the child key under `Path`
	Key string
	// raw JSON value. nil for removed events.
	Value []byte
}

func (self *StoreEvent) ChildPath() string {
	return self.Path + "/" + self.Key
}

// bounds which children a subscription delivers, to prevent replay of
// already-processed history and to bound memory on reconnect
type SubscribeScope struct {
	// deliver only children whose `timestamp` field is at or after
	// this time. zero means no time bound.
	StartTime time.Time
	// deliver only the trailing window of children. zero means no window.
	Window time.Duration
	// deliver only the last n children. zero means no count bound.
	LimitLast int
}

func ScopeFromNow() SubscribeScope {
	return SubscribeScope{
		StartTime: time.Now(),
	}
}

func (self SubscribeScope) Admits(timestampMillis int64, now time.Time) bool {
	if !self.StartTime.IsZero() && timestampMillis < self.StartTime.UnixMilli() {
		return false
	}
	if self.Window != 0 && timestampMillis < now.Add(-self.Window).UnixMilli() {
		return false
	}
	return true
}

type ChildEvents interface {
	// closed when the subscription ends
	Events() <-chan StoreEvent
	Close()
}

// sentinel value. a JSON string field written with this value is
// replaced by the store with the server-assigned time in millis.
const ServerTimestamp = "__server_timestamp__"

type RemoteStore interface {
	// returns nil with no error when the path has no value
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	// field-level merge into the record at `path`
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	// children returns the child keys and values under `path`
	Children(ctx context.Context, path string) (map[string][]byte, error)
	// atomic read-modify-write of the value at `path`.
	// `fn` may be retried. returning an error aborts without writing.
	Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, error)) error
	SubscribeChildEvents(ctx context.Context, path string, scope SubscribeScope) (ChildEvents, error)
}
