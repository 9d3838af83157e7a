package link

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
)

type PairingStatus string

const (
	PairingStatusPending   PairingStatus = "pending"
	PairingStatusCompleted PairingStatus = "completed"
	PairingStatusExpired   PairingStatus = "expired"
)

type PairingToken struct {
	Token               string        `json:"token"`
	ExpiresAt           int64         `json:"expires_at"`
	Status              PairingStatus `json:"status"`
	RequesterDeviceName string        `json:"requester_device_name"`
	RequesterPlatform   string        `json:"requester_platform"`
	// set when the token completes
	DeviceId string `json:"device_id,omitempty"`
	// server time when written, used for subscription scoping
	Timestamp int64 `json:"timestamp"`
}

// pairing tokens live in a shared global lookup table,
// the one place a device writes outside its account root
func pairingPath(token string) string {
	return fmt.Sprintf("pairings/%s", token)
}

// called by the device that wants to join. the phone redeems.
func (self *IdentityManager) CreatePairingToken(ctx context.Context, deviceName string, platform string) (*PairingToken, error) {
	token := &PairingToken{
		Token:               newPairingCode(),
		ExpiresAt:           time.Now().Add(self.settings.PairingTokenTtl).UnixMilli(),
		Status:              PairingStatusPending,
		RequesterDeviceName: deviceName,
		RequesterPlatform:   platform,
		Timestamp:           time.Now().UnixMilli(),
	}

	value, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	if err := self.store.Set(ctx, pairingPath(token.Token), value); err != nil {
		return nil, err
	}

	// the token collects itself whether or not it is ever redeemed
	self.scheduleTokenGc(token.Token, self.settings.PairingTokenTtl+self.settings.PairingGcGrace)

	glog.V(2).Infof("[i]pairing token %s for %s/%s\n", token.Token, deviceName, platform)
	return token, nil
}

// called on the phone with a code read from the joining device.
// a token redeems exactly once. a second redemption finds the
// completed token and reports not found.
func (self *IdentityManager) RedeemPairingToken(ctx context.Context, token string, deviceName string, platform string) (*DeviceInfo, error) {
	accountId, err := self.EnsureIdentity(ctx)
	if err != nil {
		return nil, err
	}

	value, err := self.store.Get(ctx, pairingPath(token))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrPairingNotFound
	}

	var pairing PairingToken
	if err := json.Unmarshal(value, &pairing); err != nil {
		return nil, ErrPairingInvalidPayload
	}
	if pairing.Token == "" || pairing.ExpiresAt == 0 {
		return nil, ErrPairingInvalidPayload
	}
	if pairing.Status != PairingStatusPending {
		return nil, ErrPairingNotFound
	}
	if time.Now().UnixMilli() > pairing.ExpiresAt {
		// mark for the requester, then let gc collect it
		self.store.Update(ctx, pairingPath(token), map[string]any{
			"status": string(PairingStatusExpired),
		})
		return nil, ErrPairingExpired
	}

	device := &DeviceInfo{
		DeviceId:     NewId(),
		DisplayName:  deviceName,
		Kind:         kindForPlatform(platform),
		Platform:     platform,
		RegisteredAt: time.Now().UnixMilli(),
		LastSeenAt:   time.Now().UnixMilli(),
		IsOnline:     true,
	}
	deviceValue, err := json.Marshal(device)
	if err != nil {
		return nil, err
	}
	devicePath := AccountPath(accountId, "devices", device.DeviceId.String())
	if err := self.store.Set(ctx, devicePath, deviceValue); err != nil {
		return nil, err
	}

	err = self.store.Update(ctx, pairingPath(token), map[string]any{
		"status":    string(PairingStatusCompleted),
		"device_id": device.DeviceId.String(),
	})
	if err != nil {
		return nil, err
	}
	self.scheduleTokenGc(token, self.settings.PairingGcGrace)

	if device.Kind.IsSecondary() {
		self.mutex.Lock()
		backfill := self.backfill
		self.mutex.Unlock()
		if backfill != nil {
			// bounded, so a new device never triggers unbounded work
			self.tasks.Go("backfill", func(ctx context.Context) {
				backfill(
					ctx,
					self.settings.BackfillDays,
					self.settings.BackfillPerConversationCap,
					self.settings.BackfillTotalCap,
				)
			})
		}
	}

	glog.Infof("[i]paired %s %s/%s\n", device.DeviceId, deviceName, platform)
	return device, nil
}

func kindForPlatform(platform string) DeviceKind {
	switch platform {
	case "android", "ios":
		return DeviceKindPhone
	case "web":
		return DeviceKindWeb
	default:
		return DeviceKindDesktop
	}
}
