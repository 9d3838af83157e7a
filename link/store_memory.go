package link

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

const memoryStoreEventBuffer = 128

// in-process store with the same contract as the hosted store.
// one instance shared by several engines stands in for the cloud side
// in tests and in the `linkctl demo` mode.
type MemoryStore struct {
	mutex sync.Mutex
	// full child path -> raw JSON value
	values map[string][]byte
	// parent path -> subscribers
	subscribers map[string][]*memorySubscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:      map[string][]byte{},
		subscribers: map[string][]*memorySubscription{},
	}
}

func (self *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	value, ok := self.values[path]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (self *MemoryStore) Set(ctx context.Context, path string, value []byte) error {
	value, err := substituteServerTimestamps(value)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.setLocked(path, value)
	return nil
}

func (self *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record := map[string]any{}
	if current, ok := self.values[path]; ok {
		if err := json.Unmarshal(current, &record); err != nil {
			return err
		}
	}
	for k, v := range fields {
		if s, ok := v.(string); ok && s == ServerTimestamp {
			v = time.Now().UnixMilli()
		}
		record[k] = v
	}
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	self.setLocked(path, value)
	return nil
}

func (self *MemoryStore) Delete(ctx context.Context, path string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	prefix := path + "/"
	for childPath := range self.values {
		if strings.HasPrefix(childPath, prefix) {
			self.deleteLocked(childPath)
		}
	}
	self.deleteLocked(path)
	return nil
}

func (self *MemoryStore) Children(ctx context.Context, path string) (map[string][]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	children := map[string][]byte{}
	for key, value := range self.childrenLocked(path) {
		out := make([]byte, len(value))
		copy(out, value)
		children[key] = out
	}
	return children, nil
}

func (self *MemoryStore) Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, error)) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	next, err := fn(self.values[path])
	if err != nil {
		return err
	}
	next, err = substituteServerTimestamps(next)
	if err != nil {
		return err
	}
	self.setLocked(path, next)
	return nil
}

func (self *MemoryStore) SubscribeChildEvents(ctx context.Context, path string, scope SubscribeScope) (ChildEvents, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sub := &memorySubscription{
		store:  self,
		path:   path,
		scope:  scope,
		events: make(chan StoreEvent, memoryStoreEventBuffer),
		done:   make(chan struct{}),
	}
	self.subscribers[path] = append(self.subscribers[path], sub)

	// existing children replay as added events, subject to the scope
	now := time.Now()
	children := self.childrenLocked(path)
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if scope.LimitLast != 0 && scope.LimitLast < len(keys) {
		keys = keys[len(keys)-scope.LimitLast:]
	}
	for _, key := range keys {
		value := children[key]
		if ts, ok := payloadTimestamp(value); ok && !scope.Admits(ts, now) {
			continue
		}
		sub.deliver(StoreEvent{
			Type:  StoreEventAdded,
			Path:  path,
			Key:   key,
			Value: value,
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

func (self *MemoryStore) setLocked(path string, value []byte) {
	_, existed := self.values[path]
	self.values[path] = value

	eventType := StoreEventAdded
	if existed {
		eventType = StoreEventChanged
	}
	self.notifyLocked(path, eventType, value)
}

func (self *MemoryStore) deleteLocked(path string) {
	if _, ok := self.values[path]; !ok {
		return
	}
	delete(self.values, path)
	self.notifyLocked(path, StoreEventRemoved, nil)
}

func (self *MemoryStore) notifyLocked(childPath string, eventType StoreEventType, value []byte) {
	i := strings.LastIndex(childPath, "/")
	if i < 0 {
		return
	}
	parent := childPath[:i]
	key := childPath[i+1:]

	now := time.Now()
	for _, sub := range self.subscribers[parent] {
		if eventType != StoreEventRemoved {
			if ts, ok := payloadTimestamp(value); ok && !sub.scope.Admits(ts, now) {
				continue
			}
		}
		sub.deliver(StoreEvent{
			Type:  eventType,
			Path:  parent,
			Key:   key,
			Value: value,
		})
	}
}

func (self *MemoryStore) childrenLocked(path string) map[string][]byte {
	children := map[string][]byte{}
	prefix := path + "/"
	for childPath, value := range self.values {
		if !strings.HasPrefix(childPath, prefix) {
			continue
		}
		key := childPath[len(prefix):]
		if strings.Contains(key, "/") {
			// grandchild, not a direct child
			continue
		}
		children[key] = value
	}
	return children
}

func (self *MemoryStore) removeSubscription(sub *memorySubscription) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subs := self.subscribers[sub.path]
	next := subs[:0]
	for _, existing := range subs {
		if existing != sub {
			next = append(next, existing)
		}
	}
	self.subscribers[sub.path] = next
}

type memorySubscription struct {
	store *MemoryStore
	path  string
	scope SubscribeScope

	closeOnce sync.Once
	events    chan StoreEvent
	done      chan struct{}
}

func (self *memorySubscription) deliver(event StoreEvent) {
	select {
	case self.events <- event:
	default:
		// a stalled consumer does not block the store
		glog.Infof("[store]drop event %s/%s\n", event.Path, event.Key)
	}
}

func (self *memorySubscription) Events() <-chan StoreEvent {
	return self.events
}

func (self *memorySubscription) Close() {
	self.closeOnce.Do(func() {
		self.store.removeSubscription(self)
		close(self.done)
		close(self.events)
	})
}

func payloadTimestamp(value []byte) (int64, bool) {
	var record struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(value, &record); err != nil {
		return 0, false
	}
	if record.Timestamp == 0 {
		return 0, false
	}
	return record.Timestamp, true
}

func substituteServerTimestamps(value []byte) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return nil, err
	}
	replaced := replaceServerTimestamps(decoded)
	return json.Marshal(replaced)
}

func replaceServerTimestamps(value any) any {
	switch v := value.(type) {
	case string:
		if v == ServerTimestamp {
			return time.Now().UnixMilli()
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = replaceServerTimestamps(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = replaceServerTimestamps(item)
		}
		return v
	default:
		return v
	}
}
