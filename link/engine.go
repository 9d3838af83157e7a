package link

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// data categories by sync tier. messages and calls always flow.
var tierFeatures = map[SyncPriority][]string{
	SyncPriorityCritical: {"messages", "call_sessions", "notifications"},
	SyncPriorityHigh:     {"contacts", "recent_messages"},
	SyncPriorityMedium:   {"photos"},
	SyncPriorityLow:      {"telemetry"},
}

type MessageFunc func(record *MessageRecord)

// the composition root. wires identity, group membership, the change
// feed, the adaptive scheduler, and the call relay around one store,
// and owns their teardown.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	store RemoteStore

	Identity  *IdentityManager
	Groups    *SyncGroupCoordinator
	Feed      *ChangeFeedProcessor
	Scheduler *AdaptiveScheduler
	Relay     *CallSignalingRelay
	Status    *StatusRegistry

	accountId Id
	groupId   Id

	messageCallbacks *CallbackList[MessageFunc]

	mutex    sync.Mutex
	alwaysOn map[string]*FeedHandle
}

type EngineConfig struct {
	DeviceName string
	Kind       DeviceKind
	Platform   string

	Auth       Authenticator
	Conditions ConditionSource
	Controller CallController
	Media      MediaTransport
	Local      LocalStore
	History    CallHistoryAppender
}

func NewEngine(ctx context.Context, store RemoteStore, config *EngineConfig) (*Engine, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	engine := &Engine{
		ctx:              cancelCtx,
		cancel:           cancel,
		store:            store,
		Status:           NewStatusRegistry(),
		messageCallbacks: NewCallbackList[MessageFunc](),
		alwaysOn:         map[string]*FeedHandle{},
	}

	engine.Identity = NewIdentityManagerWithDefaults(
		cancelCtx, store, config.Auth, config.DeviceName, config.Kind, config.Platform)

	accountId, err := engine.Identity.EnsureIdentity(cancelCtx)
	if err != nil {
		cancel()
		engine.Identity.Close()
		return nil, err
	}
	engine.accountId = accountId

	engine.Groups = NewSyncGroupCoordinator(store)
	groupId, err := engine.Groups.RecoverOrCreateGroup(cancelCtx, accountId, config.DeviceName)
	if err != nil {
		cancel()
		engine.Identity.Close()
		return nil, err
	}
	engine.groupId = groupId
	if _, err := engine.Groups.JoinGroup(cancelCtx, groupId, engine.Identity.DeviceId(), config.DeviceName); err != nil {
		cancel()
		engine.Identity.Close()
		return nil, err
	}

	engine.Feed = NewChangeFeedProcessorWithDefaults(cancelCtx, store, config.Local)
	engine.Identity.SetBackfill(func(backfillCtx context.Context, days int, perConversationCap int, totalCap int) {
		if _, err := engine.Feed.SyncRange(backfillCtx, accountId, days, perConversationCap, totalCap); err != nil {
			glog.Infof("[e]backfill error = %s\n", err)
		}
	})

	engine.Relay = NewCallSignalingRelayWithDefaults(
		cancelCtx, store, engine.Feed, config.Controller, config.Media, accountId)
	if config.History != nil {
		engine.Relay.SetHistory(config.History)
	}

	engine.subscribeAlwaysOn()

	engine.Scheduler = NewAdaptiveSchedulerWithDefaults(cancelCtx, config.Conditions, engine)

	glog.Infof("[e]engine up account=%s group=%s device=%s\n", accountId, groupId, engine.Identity.DeviceId())
	return engine, nil
}

func (self *Engine) AccountId() Id {
	return self.accountId
}

func (self *Engine) GroupId() Id {
	return self.groupId
}

func (self *Engine) AddMessageCallback(callback MessageFunc) func() {
	return self.messageCallbacks.Add(callback)
}

// a message observed by the local provider enters the pipeline here
func (self *Engine) OnMessageArrived(record *MessageRecord) {
	ctx, cancelCtx := context.WithTimeout(self.ctx, DefaultFeedSettings().BatchItemTimeout)
	defer cancelCtx()
	if err := self.Feed.ForwardMessage(ctx, self.accountId, record); err != nil {
		glog.Infof("[e]message forward error = %s\n", err)
	}
}

func (self *Engine) OnForeground() {
	self.Scheduler.OnForeground()
}

func (self *Engine) OnBackground() {
	self.Scheduler.OnBackground()
}

// critical paths stay subscribed for the whole engine lifetime
func (self *Engine) subscribeAlwaysOn() {
	for _, feature := range tierFeatures[SyncPriorityCritical] {
		feature := feature
		path := AccountPath(self.accountId, feature)
		handle, err := self.Feed.Subscribe(path, ScopeFromNow(), func(event StoreEvent) {
			self.handleFeatureEvent(feature, event)
		})
		if err != nil {
			glog.Infof("[e]always-on subscribe %s error = %s\n", feature, err)
			continue
		}
		self.mutex.Lock()
		self.alwaysOn[feature] = handle
		self.mutex.Unlock()
		self.Status.SetActive(feature, true)
	}
}

func (self *Engine) handleFeatureEvent(feature string, event StoreEvent) {
	switch feature {
	case "messages":
		if event.Type == StoreEventRemoved {
			return
		}
		var record MessageRecord
		if err := json.Unmarshal(event.Value, &record); err != nil {
			glog.Infof("[e]bad message record %s = %s\n", event.Key, err)
			return
		}
		for _, callback := range self.messageCallbacks.Get() {
			func() {
				defer recoverLog("[e]message")
				callback(&record)
			}()
		}
	default:
		glog.V(2).Infof("[e]%s %s %s\n", feature, event.Type, event.Key)
	}
}

// TierRunner

func (self *Engine) RunTier(ctx context.Context, tier SyncPriority) {
	for _, feature := range tierFeatures[tier] {
		self.Status.SetActive(feature, true)
		if err := self.syncFeature(ctx, feature); err != nil {
			// background work continues on the next tick
			glog.Infof("[e]sync %s error = %s\n", feature, err)
		}
	}
}

func (self *Engine) StopTier(tier SyncPriority) {
	for _, feature := range tierFeatures[tier] {
		self.Status.SetActive(feature, false)
	}
	glog.V(2).Infof("[e]stop tier %s\n", tier)
}

func (self *Engine) syncFeature(ctx context.Context, feature string) error {
	switch feature {
	case "telemetry":
		path := AccountPath(self.accountId, "telemetry", self.Identity.DeviceId().String())
		return self.store.Update(ctx, path, map[string]any{
			"device_id":    self.Identity.DeviceId().String(),
			"last_sync_at": ServerTimestamp,
		})
	default:
		// pull the current snapshot to reconcile the local view
		children, err := self.store.Children(ctx, AccountPath(self.accountId, feature))
		if err != nil {
			return err
		}
		glog.V(2).Infof("[e]sync %s n=%d\n", feature, len(children))
		return nil
	}
}

func (self *Engine) Close() {
	self.Scheduler.Close()
	self.Relay.Close()

	self.mutex.Lock()
	alwaysOn := make([]*FeedHandle, 0, len(self.alwaysOn))
	for _, handle := range self.alwaysOn {
		alwaysOn = append(alwaysOn, handle)
	}
	self.alwaysOn = map[string]*FeedHandle{}
	self.mutex.Unlock()
	for _, handle := range alwaysOn {
		self.Feed.Unsubscribe(handle)
	}

	self.Feed.Close()
	self.Identity.Close()
	self.cancel()
}
