package link

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type CallSession struct {
	CallId      Id        `json:"call_id"`
	PhoneNumber string    `json:"phone_number"`
	ContactName string    `json:"contact_name,omitempty"`
	State       CallState `json:"state"`
	StartedAt   int64     `json:"started_at"`
	Timestamp   int64     `json:"timestamp"`
}

type CallCommandKind string

const (
	CallCommandAnswer         CallCommandKind = "answer"
	CallCommandReject         CallCommandKind = "reject"
	CallCommandEnd            CallCommandKind = "end"
	CallCommandMakeCall       CallCommandKind = "make_call"
	CallCommandEnableRouting  CallCommandKind = "enable_routing"
	CallCommandDisableRouting CallCommandKind = "disable_routing"
)

type CallCommandStatus string

const (
	CallCommandStatusCalling   CallCommandStatus = "calling"
	CallCommandStatusCompleted CallCommandStatus = "completed"
	CallCommandStatusFailed    CallCommandStatus = "failed"
)

// one-shot instruction written by a remote device.
// `processed` makes replay on reconnect a no-op.
type CallCommand struct {
	Command     CallCommandKind   `json:"command"`
	CallId      string            `json:"call_id,omitempty"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	LineId      string            `json:"line_id,omitempty"`
	Processed   bool              `json:"processed"`
	Timestamp   int64             `json:"timestamp"`
	Status      CallCommandStatus `json:"status,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// durable call-history log, an external collaborator.
// the shared store only ever holds the sessions in flight.
type CallHistoryAppender interface {
	Append(ctx context.Context, session *CallSession) error
}

// resolves a display name for a number. optional.
type ContactResolver interface {
	ResolveContactName(number string) string
}

type CallRelaySettings struct {
	// budget for each native action and store write-back
	CommandTimeout time.Duration
	// best-effort signaling cleanup budget
	CleanupTimeout time.Duration
}

func DefaultCallRelaySettings() *CallRelaySettings {
	return &CallRelaySettings{
		CommandTimeout: 15 * time.Second,
		CleanupTimeout: 5 * time.Second,
	}
}

// publishes local call state into the store, consumes remote call
// commands idempotently, and relays session negotiation for
// peer-to-peer media. command consumption goes through the change
// feed, so it shares the feed's dedup window and payload guard.
type CallSignalingRelay struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      RemoteStore
	feed       *ChangeFeedProcessor
	controller CallController
	media      MediaTransport
	history    CallHistoryAppender
	contacts   ContactResolver

	accountId Id

	settings *CallRelaySettings

	tasks *TaskGroup

	mutex         sync.Mutex
	currentCallId Id
	currentState  CallState
	routing       map[Id]*signalingSession

	commandsHandle *FeedHandle
}

func NewCallSignalingRelayWithDefaults(
	ctx context.Context,
	store RemoteStore,
	feed *ChangeFeedProcessor,
	controller CallController,
	media MediaTransport,
	accountId Id,
) *CallSignalingRelay {
	return NewCallSignalingRelay(ctx, store, feed, controller, media, accountId, DefaultCallRelaySettings())
}

func NewCallSignalingRelay(
	ctx context.Context,
	store RemoteStore,
	feed *ChangeFeedProcessor,
	controller CallController,
	media MediaTransport,
	accountId Id,
	settings *CallRelaySettings,
) *CallSignalingRelay {
	cancelCtx, cancel := context.WithCancel(ctx)
	relay := &CallSignalingRelay{
		ctx:          cancelCtx,
		cancel:       cancel,
		store:        store,
		feed:         feed,
		controller:   controller,
		media:        media,
		accountId:    accountId,
		settings:     settings,
		currentState: CallStateIdle,
		routing:      map[Id]*signalingSession{},
	}
	relay.tasks = NewTaskGroup(cancelCtx)

	// only commands written after this device started listening.
	// anything pending from before is stale and stays ignored.
	handle, err := feed.Subscribe(relay.commandsPath(), ScopeFromNow(), relay.handleCommandEvent)
	if err != nil {
		glog.Infof("[c]command subscription error = %s\n", err)
	} else {
		relay.commandsHandle = handle
	}

	return relay
}

func (self *CallSignalingRelay) SetHistory(history CallHistoryAppender) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.history = history
}

func (self *CallSignalingRelay) SetContacts(contacts ContactResolver) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.contacts = contacts
}

func (self *CallSignalingRelay) commandsPath() string {
	return AccountPath(self.accountId, "call_commands")
}

func (self *CallSignalingRelay) sessionPath(callId Id) string {
	return AccountPath(self.accountId, "call_sessions", callId.String())
}

// the single entry point for local call state. both the modern
// callback listener and the legacy poller funnel in here, so
// everything downstream is mode-agnostic.
func (self *CallSignalingRelay) OnLocalCallStateChanged(state CallState, number string) {
	self.mutex.Lock()
	previousState := self.currentState
	if state == previousState {
		self.mutex.Unlock()
		return
	}
	self.currentState = state

	var callId Id
	switch state {
	case CallStateIdle:
		callId = self.currentCallId
		self.currentCallId = Id{}
	default:
		if (self.currentCallId == Id{}) {
			self.currentCallId = NewId()
		}
		callId = self.currentCallId
	}
	contacts := self.contacts
	history := self.history
	self.mutex.Unlock()

	glog.V(2).Infof("[c]call %s %s -> %s\n", callId, previousState, state)

	ctx, cancelCtx := context.WithTimeout(self.ctx, self.settings.CommandTimeout)
	defer cancelCtx()

	switch state {
	case CallStateRinging:
		contactName := ""
		if contacts != nil {
			contactName = contacts.ResolveContactName(number)
		}
		session := &CallSession{
			CallId:      callId,
			PhoneNumber: number,
			ContactName: contactName,
			State:       CallStateRinging,
			StartedAt:   time.Now().UnixMilli(),
			Timestamp:   time.Now().UnixMilli(),
		}
		self.publishSession(ctx, session)
		if history != nil {
			if err := history.Append(ctx, session); err != nil {
				glog.Infof("[c]history append error = %s\n", err)
			}
		}
	case CallStateActive:
		if previousState == CallStateIdle {
			// outgoing call, no ringing observed locally
			session := &CallSession{
				CallId:      callId,
				PhoneNumber: number,
				State:       CallStateActive,
				StartedAt:   time.Now().UnixMilli(),
				Timestamp:   time.Now().UnixMilli(),
			}
			self.publishSession(ctx, session)
		} else {
			err := self.store.Update(ctx, self.sessionPath(callId), map[string]any{
				"state":     string(CallStateActive),
				"timestamp": ServerTimestamp,
			})
			if err != nil {
				glog.Infof("[c]session update error = %s\n", err)
			}
		}
	case CallStateIdle:
		if (callId != Id{}) {
			// the session record is presence style: gone when the call is
			if err := self.store.Delete(ctx, self.sessionPath(callId)); err != nil {
				glog.Infof("[c]session delete error = %s\n", err)
			}
			self.DisableRouting(callId)
		}
	}
}

func (self *CallSignalingRelay) publishSession(ctx context.Context, session *CallSession) {
	value, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := self.store.Set(ctx, self.sessionPath(session.CallId), value); err != nil {
		glog.Infof("[c]session publish error = %s\n", err)
	}
}

func (self *CallSignalingRelay) handleCommandEvent(event StoreEvent) {
	if event.Type == StoreEventRemoved {
		return
	}

	var command CallCommand
	if err := json.Unmarshal(event.Value, &command); err != nil {
		glog.Infof("[c]bad command %s = %s\n", event.Key, err)
		return
	}
	if command.Processed {
		// reconnect replay of an already-acted command
		glog.V(2).Infof("[c]skip processed command %s\n", event.Key)
		return
	}

	self.tasks.Go("command", func(ctx context.Context) {
		self.executeCommand(ctx, event.ChildPath(), &command)
	})
}

func (self *CallSignalingRelay) executeCommand(ctx context.Context, commandPath string, command *CallCommand) {
	opCtx, opCancel := context.WithTimeout(ctx, self.settings.CommandTimeout)
	defer opCancel()

	var err error
	switch command.Command {
	case CallCommandAnswer:
		err = self.controller.Answer(opCtx)
	case CallCommandReject, CallCommandEnd:
		err = self.controller.End(opCtx)
	case CallCommandMakeCall:
		err = self.placeCall(opCtx, commandPath, command)
	case CallCommandEnableRouting:
		err = self.enableRoutingForCommand(opCtx, command)
	case CallCommandDisableRouting:
		var callId Id
		if callId, err = ParseId(command.CallId); err == nil {
			self.DisableRouting(callId)
		} else {
			err = fmt.Errorf("bad call id %s", command.CallId)
		}
	default:
		glog.Infof("[c]unknown command %s\n", command.Command)
	}

	// acting and marking processed are one logical step: the mark
	// lands before the command record is ever re-evaluated
	fields := map[string]any{
		"processed": true,
	}
	if err != nil {
		glog.Infof("[c]command %s failed = %s\n", command.Command, err)
		fields["status"] = string(CallCommandStatusFailed)
		fields["error"] = err.Error()
	} else if command.Command == CallCommandMakeCall {
		fields["status"] = string(CallCommandStatusCompleted)
	}
	if updateErr := self.store.Update(opCtx, commandPath, fields); updateErr != nil {
		glog.Infof("[c]command mark error = %s\n", updateErr)
	}
}

// places an outgoing call for a remote request. a requested line
// resolves against the enumerated call-capable lines, falling back to
// the platform default. the request record carries the outcome.
func (self *CallSignalingRelay) placeCall(ctx context.Context, commandPath string, command *CallCommand) error {
	err := self.store.Update(ctx, commandPath, map[string]any{
		"status": string(CallCommandStatusCalling),
	})
	if err != nil {
		glog.Infof("[c]calling status error = %s\n", err)
	}

	lineId := ResolveLine(ctx, self.controller, command.LineId)
	return self.controller.Place(ctx, command.PhoneNumber, lineId)
}

func (self *CallSignalingRelay) enableRoutingForCommand(ctx context.Context, command *CallCommand) error {
	callId, err := ParseId(command.CallId)
	if err != nil {
		return fmt.Errorf("bad call id %s", command.CallId)
	}
	return self.EnableRouting(callId)
}

func (self *CallSignalingRelay) Close() {
	self.mutex.Lock()
	routing := make([]Id, 0, len(self.routing))
	for callId := range self.routing {
		routing = append(routing, callId)
	}
	self.mutex.Unlock()
	for _, callId := range routing {
		self.DisableRouting(callId)
	}

	if self.commandsHandle != nil {
		self.feed.Unsubscribe(self.commandsHandle)
	}
	self.cancel()
	self.tasks.Wait()
}

// polling-style fallback for platforms without the state callback.
// feeds the same entry point as the modern listener.
type LegacyCallStateListener struct {
	ctx    context.Context
	cancel context.CancelFunc

	relay      *CallSignalingRelay
	controller CallController
	interval   time.Duration

	mutex     sync.Mutex
	lastState CallState
}

func NewLegacyCallStateListener(ctx context.Context, relay *CallSignalingRelay, controller CallController, interval time.Duration) *LegacyCallStateListener {
	cancelCtx, cancel := context.WithCancel(ctx)
	listener := &LegacyCallStateListener{
		ctx:        cancelCtx,
		cancel:     cancel,
		relay:      relay,
		controller: controller,
		interval:   interval,
		lastState:  CallStateIdle,
	}
	go listener.run()
	return listener
}

func (self *LegacyCallStateListener) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.interval):
		}

		state, err := self.controller.CurrentState(self.ctx)
		if err != nil {
			glog.V(2).Infof("[c]legacy poll error = %s\n", err)
			continue
		}

		self.mutex.Lock()
		changed := state != self.lastState
		self.lastState = state
		self.mutex.Unlock()

		if changed {
			self.relay.OnLocalCallStateChanged(state, "")
		}
	}
}

func (self *LegacyCallStateListener) Close() {
	self.cancel()
}
