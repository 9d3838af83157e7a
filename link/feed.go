package link

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/golang/glog"
)

type FeedSettings struct {
	// events larger than this never reach a handler
	MaxPayloadByteCount ByteCount
	// duplicate low-level deliveries of the same physical event
	// inside this window collapse to one
	DedupWindow time.Duration

	BatchSize        int
	BatchDelay       time.Duration
	BatchItemTimeout time.Duration
	// conversations ranked by volume, top n sync
	BatchTopConversations int
}

func DefaultFeedSettings() *FeedSettings {
	return &FeedSettings{
		MaxPayloadByteCount:   mib(1),
		DedupWindow:           5 * time.Second,
		BatchSize:             20,
		BatchDelay:            250 * time.Millisecond,
		BatchItemTimeout:      15 * time.Second,
		BatchTopConversations: 20,
	}
}

type FeedHandlerFunc func(event StoreEvent)

// one-shot advisory surfaced to the user, e.g. "sync skipped: data too large"
type AdvisoryFunc func(message string)

// converts raw child-events on store paths into guarded, deduplicated
// application events. a malformed or oversized event is isolated and
// logged. the subscription always continues.
type ChangeFeedProcessor struct {
	ctx    context.Context
	cancel context.CancelFunc

	store RemoteStore
	local LocalStore

	settings *FeedSettings

	dedup *dedupWindow

	advisoryCallbacks *CallbackList[AdvisoryFunc]
	progressCallbacks *CallbackList[SyncProgressFunc]

	mutex sync.Mutex
	subs  map[string]*FeedHandle
}

func NewChangeFeedProcessorWithDefaults(ctx context.Context, store RemoteStore, local LocalStore) *ChangeFeedProcessor {
	return NewChangeFeedProcessor(ctx, store, local, DefaultFeedSettings())
}

func NewChangeFeedProcessor(ctx context.Context, store RemoteStore, local LocalStore, settings *FeedSettings) *ChangeFeedProcessor {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChangeFeedProcessor{
		ctx:               cancelCtx,
		cancel:            cancel,
		store:             store,
		local:             local,
		settings:          settings,
		dedup:             newDedupWindow(settings.DedupWindow),
		advisoryCallbacks: NewCallbackList[AdvisoryFunc](),
		progressCallbacks: NewCallbackList[SyncProgressFunc](),
		subs:              map[string]*FeedHandle{},
	}
}

func (self *ChangeFeedProcessor) AddAdvisoryCallback(callback AdvisoryFunc) func() {
	return self.advisoryCallbacks.Add(callback)
}

// subscribing twice to the same path replaces the previous handle,
// so a path never delivers twice
func (self *ChangeFeedProcessor) Subscribe(path string, scope SubscribeScope, handler FeedHandlerFunc) (*FeedHandle, error) {
	childEvents, err := self.store.SubscribeChildEvents(self.ctx, path, scope)
	if err != nil {
		return nil, err
	}

	handle := &FeedHandle{
		feed:        self,
		path:        path,
		childEvents: childEvents,
	}

	// swap under one lock so concurrent subscribes to the same path
	// leave exactly one live handle
	self.mutex.Lock()
	previous := self.subs[path]
	self.subs[path] = handle
	self.mutex.Unlock()
	if previous != nil {
		self.Unsubscribe(previous)
	}

	go self.pump(handle, handler)

	return handle, nil
}

// idempotent
func (self *ChangeFeedProcessor) Unsubscribe(handle *FeedHandle) {
	if handle == nil {
		return
	}
	handle.closeOnce.Do(func() {
		self.mutex.Lock()
		if self.subs[handle.path] == handle {
			delete(self.subs, handle.path)
		}
		self.mutex.Unlock()
		handle.childEvents.Close()
	})
}

func (self *ChangeFeedProcessor) pump(handle *FeedHandle, handler FeedHandlerFunc) {
	for event := range handle.childEvents.Events() {
		// guard before parse. an oversized record is dropped, not stored.
		if self.settings.MaxPayloadByteCount < ByteCount(len(event.Value)) {
			glog.Infof("[f]oversized event %s/%s (%d bytes)\n", event.Path, event.Key, len(event.Value))
			self.advise("sync skipped: data too large")
			continue
		}

		if event.Type != StoreEventRemoved {
			fingerprint := eventFingerprint(event.Path, event.Key, event.Value)
			if self.dedup.Seen(fingerprint) {
				glog.V(2).Infof("[f]dedup %s/%s\n", event.Path, event.Key)
				continue
			}
		}

		// errors in one handler invocation never abort the subscription
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[f]handler panic at %s/%s = %v\n", event.Path, event.Key, r)
				}
			}()
			handler(event)
		}()
	}
}

func (self *ChangeFeedProcessor) advise(message string) {
	for _, callback := range self.advisoryCallbacks.Get() {
		func() {
			defer recoverLog("[f]advisory")
			callback(message)
		}()
	}
}

// immediate forward of a locally observed message into the pipeline.
// the dedup window absorbs the same arrival reported twice, e.g. by
// two broadcast channels.
func (self *ChangeFeedProcessor) ForwardMessage(ctx context.Context, accountId Id, record *MessageRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if self.settings.MaxPayloadByteCount < ByteCount(len(value)) {
		self.advise("sync skipped: data too large")
		return ErrOversizedPayload
	}
	fingerprint := eventFingerprint("local", record.MessageId, value)
	if self.dedup.Seen(fingerprint) {
		glog.V(2).Infof("[f]dedup local message %s\n", record.MessageId)
		return nil
	}
	path := AccountPath(accountId, "messages", record.MessageId)
	return self.store.Set(ctx, path, value)
}

func (self *ChangeFeedProcessor) Close() {
	self.cancel()

	self.mutex.Lock()
	subs := make([]*FeedHandle, 0, len(self.subs))
	for _, handle := range self.subs {
		subs = append(subs, handle)
	}
	self.mutex.Unlock()

	for _, handle := range subs {
		self.Unsubscribe(handle)
	}
}

type FeedHandle struct {
	feed *ChangeFeedProcessor
	path string

	childEvents ChildEvents
	closeOnce   sync.Once
}

func (self *FeedHandle) Path() string {
	return self.path
}

// rolling window of recently seen event fingerprints
type dedupWindow struct {
	window time.Duration

	mutex sync.Mutex
	seen  map[uint64]time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{
		window: window,
		seen:   map[uint64]time.Time{},
	}
}

// check and record in one step
func (self *dedupWindow) Seen(fingerprint uint64) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	now := time.Now()
	for f, t := range self.seen {
		if self.window < now.Sub(t) {
			delete(self.seen, f)
		}
	}

	if t, ok := self.seen[fingerprint]; ok && now.Sub(t) <= self.window {
		return true
	}
	self.seen[fingerprint] = now
	return false
}

// source + content. the content carries the event timestamp.
func eventFingerprint(path string, key string, value []byte) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%s/", path, key)
	h.Write(value)
	return h.Sum64()
}

func recoverLog(tag string) {
	if r := recover(); r != nil {
		glog.Errorf("%s panic = %v\n", tag, r)
	}
}
