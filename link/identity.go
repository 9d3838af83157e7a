package link

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type DeviceInfo struct {
	DeviceId     Id         `json:"device_id"`
	DisplayName  string     `json:"display_name"`
	Kind         DeviceKind `json:"kind"`
	Platform     string     `json:"platform"`
	RegisteredAt int64      `json:"registered_at"`
	LastSeenAt   int64      `json:"last_seen_at"`
	IsOnline     bool       `json:"is_online"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

// resolves a signed account credential, or "" when none exists
type Authenticator interface {
	AccountJwt(ctx context.Context) (string, error)
}

type IdentitySettings struct {
	PairingTokenTtl time.Duration
	// tokens linger briefly after use so the redeeming side can read
	// the completed status, then they are collected
	PairingGcGrace time.Duration

	HeartbeatInterval    time.Duration
	DeviceStatusInterval time.Duration
	// a device with a heartbeat inside this window shows as online
	OnlineWindow time.Duration

	BackfillDays               int
	BackfillPerConversationCap int
	BackfillTotalCap           int
}

func DefaultIdentitySettings() *IdentitySettings {
	return &IdentitySettings{
		PairingTokenTtl:            5 * time.Minute,
		PairingGcGrace:             30 * time.Second,
		HeartbeatInterval:          5 * time.Minute,
		DeviceStatusInterval:       1 * time.Minute,
		OnlineWindow:               11 * time.Minute,
		BackfillDays:               30,
		BackfillPerConversationCap: 500,
		BackfillTotalCap:           5000,
	}
}

// runs the bounded historical backfill for a newly paired device
type BackfillFunc func(ctx context.Context, days int, perConversationCap int, totalCap int)

type IdentityManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	store RemoteStore
	auth  Authenticator

	deviceId   Id
	deviceName string
	kind       DeviceKind
	platform   string

	backfill BackfillFunc

	settings *IdentitySettings

	tasks *TaskGroup

	mutex       sync.Mutex
	established bool
	accountId   Id
	devicesView map[Id]*DeviceInfo
	gcTimers    []*time.Timer
}

func NewIdentityManagerWithDefaults(
	ctx context.Context,
	store RemoteStore,
	auth Authenticator,
	deviceName string,
	kind DeviceKind,
	platform string,
) *IdentityManager {
	return NewIdentityManager(ctx, store, auth, deviceName, kind, platform, DefaultIdentitySettings())
}

func NewIdentityManager(
	ctx context.Context,
	store RemoteStore,
	auth Authenticator,
	deviceName string,
	kind DeviceKind,
	platform string,
	settings *IdentitySettings,
) *IdentityManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	identity := &IdentityManager{
		ctx:         cancelCtx,
		cancel:      cancel,
		store:       store,
		auth:        auth,
		deviceId:    NewId(),
		deviceName:  deviceName,
		kind:        kind,
		platform:    platform,
		settings:    settings,
		devicesView: map[Id]*DeviceInfo{},
	}
	identity.tasks = NewTaskGroup(cancelCtx)
	go identity.runHeartbeat()
	go identity.runDeviceStatusPoll()
	return identity
}

func (self *IdentityManager) SetBackfill(backfill BackfillFunc) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.backfill = backfill
}

func (self *IdentityManager) DeviceId() Id {
	return self.deviceId
}

// idempotent and safe to call concurrently. the first successful call
// caches the identity; later calls return it without re-authenticating.
func (self *IdentityManager) EnsureIdentity(ctx context.Context) (Id, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.established {
		return self.accountId, nil
	}

	jwt, err := self.auth.AccountJwt(ctx)
	if err != nil {
		return Id{}, ErrAuth
	}
	if jwt == "" {
		// anonymous fallback identity
		self.accountId = NewId()
		self.established = true
		glog.Infof("[i]anonymous identity %s\n", self.accountId)
		return self.accountId, nil
	}

	accountJwt, err := ParseAccountJwtUnverified(jwt)
	if err != nil {
		return Id{}, ErrAuth
	}
	self.accountId = accountJwt.AccountId
	self.established = true
	return self.accountId, nil
}

func (self *IdentityManager) UnregisterDevice(ctx context.Context, deviceId Id) error {
	accountId, err := self.EnsureIdentity(ctx)
	if err != nil {
		return err
	}

	path := AccountPath(accountId, "devices", deviceId.String())
	value, err := self.store.Get(ctx, path)
	if err != nil {
		return err
	}
	if value == nil {
		return ErrDeviceNotFound
	}
	return self.store.Delete(ctx, path)
}

// the online/offline view refreshed by the status poll
func (self *IdentityManager) Devices() map[Id]*DeviceInfo {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	devices := map[Id]*DeviceInfo{}
	maps.Copy(devices, self.devicesView)
	return devices
}

func (self *IdentityManager) runHeartbeat() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
		}

		accountId, err := self.EnsureIdentity(self.ctx)
		if err != nil {
			// skip the tick, retry on the next one
			glog.Infof("[i]heartbeat skipped = %s\n", err)
			continue
		}

		path := AccountPath(accountId, "devices", self.deviceId.String())
		err = self.store.Update(self.ctx, path, map[string]any{
			"device_id":    self.deviceId.String(),
			"display_name": self.deviceName,
			"kind":         string(self.kind),
			"platform":     self.platform,
			"last_seen_at": ServerTimestamp,
			"is_online":    true,
		})
		if err != nil {
			glog.Infof("[i]heartbeat error = %s\n", err)
			continue
		}
		glog.V(2).Infof("[i]heartbeat %s\n", self.deviceId)
	}
}

func (self *IdentityManager) runDeviceStatusPoll() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.DeviceStatusInterval):
		}

		accountId, err := self.EnsureIdentity(self.ctx)
		if err != nil {
			glog.Infof("[i]status poll skipped = %s\n", err)
			continue
		}

		children, err := self.store.Children(self.ctx, AccountPath(accountId, "devices"))
		if err != nil {
			glog.Infof("[i]status poll error = %s\n", err)
			continue
		}

		now := time.Now()
		devicesView := map[Id]*DeviceInfo{}
		for _, value := range children {
			var device DeviceInfo
			if err := json.Unmarshal(value, &device); err != nil {
				continue
			}
			lastSeen := time.UnixMilli(device.LastSeenAt)
			device.IsOnline = now.Sub(lastSeen) < self.settings.OnlineWindow
			devicesView[device.DeviceId] = &device
		}

		self.mutex.Lock()
		self.devicesView = devicesView
		self.mutex.Unlock()
	}
}

func (self *IdentityManager) scheduleTokenGc(token string, after time.Duration) {
	timer := time.AfterFunc(after, func() {
		gcCtx, gcCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer gcCancel()
		if err := self.store.Delete(gcCtx, pairingPath(token)); err != nil {
			glog.Infof("[i]token gc error = %s\n", err)
		}
	})

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.gcTimers = append(self.gcTimers, timer)
}

func (self *IdentityManager) Close() {
	self.cancel()

	self.mutex.Lock()
	for _, timer := range self.gcTimers {
		timer.Stop()
	}
	self.gcTimers = nil
	self.mutex.Unlock()

	self.tasks.Wait()
}

func newPairingCode() string {
	// no 0/O/1/I, to survive being read aloud
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}
