package link

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

type GroupDevice struct {
	DeviceId    Id     `json:"device_id"`
	DisplayName string `json:"display_name"`
	JoinedAt    int64  `json:"joined_at"`
}

type SyncGroup struct {
	GroupId     Id                      `json:"group_id"`
	Plan        Plan                    `json:"plan"`
	DeviceLimit int                     `json:"device_limit"`
	Devices     map[string]*GroupDevice `json:"devices,omitempty"`
	CreatedAt   int64                   `json:"created_at"`
}

type GroupHistoryEntry struct {
	Kind         string `json:"kind"`
	PreviousPlan Plan   `json:"previous_plan,omitempty"`
	NewPlan      Plan   `json:"new_plan,omitempty"`
	DeviceId     string `json:"device_id,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

type JoinResult struct {
	DeviceCount int
	DeviceLimit int
}

// one group per account. the group record holds the device map, so
// the device-count check and the join write share one atomic transact.
type SyncGroupCoordinator struct {
	store RemoteStore

	mutex sync.Mutex
	// group id -> owning account
	groupAccounts map[Id]Id
}

func NewSyncGroupCoordinator(store RemoteStore) *SyncGroupCoordinator {
	return &SyncGroupCoordinator{
		store:         store,
		groupAccounts: map[Id]Id{},
	}
}

func groupPath(accountId Id) string {
	return AccountPath(accountId, "group")
}

func groupHistoryPath(accountId Id) string {
	return AccountPath(accountId, "group_history")
}

// finds the existing group for the account, or creates one on the
// account's initial plan. a reconnecting device recovers the group,
// it never recreates it.
func (self *SyncGroupCoordinator) RecoverOrCreateGroup(ctx context.Context, accountId Id, displayName string) (Id, error) {
	var groupId Id
	created := false
	err := self.store.Transact(ctx, groupPath(accountId), func(current []byte) ([]byte, error) {
		if current != nil {
			var group SyncGroup
			if err := json.Unmarshal(current, &group); err == nil && (group.GroupId != Id{}) {
				groupId = group.GroupId
				return current, nil
			}
		}
		created = true
		groupId = NewId()
		group := &SyncGroup{
			GroupId:     groupId,
			Plan:        PlanFree,
			DeviceLimit: PlanFree.DeviceLimit(),
			Devices:     map[string]*GroupDevice{},
			CreatedAt:   time.Now().UnixMilli(),
		}
		return json.Marshal(group)
	})
	if err != nil {
		return Id{}, err
	}

	self.mutex.Lock()
	self.groupAccounts[groupId] = accountId
	self.mutex.Unlock()

	if created {
		glog.Infof("[g]created group %s for %s (%s)\n", groupId, accountId, displayName)
	}
	return groupId, nil
}

func (self *SyncGroupCoordinator) JoinGroup(ctx context.Context, groupId Id, deviceId Id, deviceName string) (*JoinResult, error) {
	accountId, err := self.accountForGroup(groupId)
	if err != nil {
		return nil, err
	}

	result := &JoinResult{}
	err = self.store.Transact(ctx, groupPath(accountId), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrGroupNotFound
		}
		var group SyncGroup
		if err := json.Unmarshal(current, &group); err != nil {
			return nil, ErrGroupNotFound
		}
		if group.GroupId != groupId {
			return nil, ErrGroupNotFound
		}
		if group.Devices == nil {
			group.Devices = map[string]*GroupDevice{}
		}

		key := deviceId.String()
		if _, ok := group.Devices[key]; !ok {
			if len(group.Devices) >= group.DeviceLimit {
				return nil, ErrDeviceLimitReached
			}
			group.Devices[key] = &GroupDevice{
				DeviceId:    deviceId,
				DisplayName: deviceName,
				JoinedAt:    time.Now().UnixMilli(),
			}
		}

		result.DeviceCount = len(group.Devices)
		result.DeviceLimit = group.DeviceLimit
		return json.Marshal(&group)
	})
	if err != nil {
		return nil, err
	}

	self.appendHistory(ctx, accountId, &GroupHistoryEntry{
		Kind:      "device_join",
		DeviceId:  deviceId.String(),
		Timestamp: time.Now().UnixMilli(),
	})
	return result, nil
}

func (self *SyncGroupCoordinator) LeaveGroup(ctx context.Context, groupId Id, deviceId Id) error {
	accountId, err := self.accountForGroup(groupId)
	if err != nil {
		return err
	}

	err = self.store.Transact(ctx, groupPath(accountId), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrGroupNotFound
		}
		var group SyncGroup
		if err := json.Unmarshal(current, &group); err != nil {
			return nil, ErrGroupNotFound
		}
		delete(group.Devices, deviceId.String())
		return json.Marshal(&group)
	})
	if err != nil {
		return err
	}

	self.appendHistory(ctx, accountId, &GroupHistoryEntry{
		Kind:      "device_leave",
		DeviceId:  deviceId.String(),
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// admin side mutation. every transition lands in the history log,
// upgrades and downgrades alike.
func (self *SyncGroupCoordinator) UpdatePlan(ctx context.Context, groupId Id, newPlan Plan) error {
	accountId, err := self.accountForGroup(groupId)
	if err != nil {
		return err
	}

	var previousPlan Plan
	err = self.store.Transact(ctx, groupPath(accountId), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrGroupNotFound
		}
		var group SyncGroup
		if err := json.Unmarshal(current, &group); err != nil {
			return nil, ErrGroupNotFound
		}
		previousPlan = group.Plan
		group.Plan = newPlan
		group.DeviceLimit = newPlan.DeviceLimit()
		return json.Marshal(&group)
	})
	if err != nil {
		return err
	}

	self.appendHistory(ctx, accountId, &GroupHistoryEntry{
		Kind:         "plan_change",
		PreviousPlan: previousPlan,
		NewPlan:      newPlan,
		Timestamp:    time.Now().UnixMilli(),
	})
	glog.Infof("[g]plan %s -> %s\n", previousPlan, newPlan)
	return nil
}

func (self *SyncGroupCoordinator) Group(ctx context.Context, groupId Id) (*SyncGroup, error) {
	accountId, err := self.accountForGroup(groupId)
	if err != nil {
		return nil, err
	}
	value, err := self.store.Get(ctx, groupPath(accountId))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrGroupNotFound
	}
	var group SyncGroup
	if err := json.Unmarshal(value, &group); err != nil {
		return nil, ErrGroupNotFound
	}
	return &group, nil
}

func (self *SyncGroupCoordinator) accountForGroup(groupId Id) (Id, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	accountId, ok := self.groupAccounts[groupId]
	if !ok {
		return Id{}, ErrGroupNotFound
	}
	return accountId, nil
}

func (self *SyncGroupCoordinator) appendHistory(ctx context.Context, accountId Id, entry *GroupHistoryEntry) {
	value, err := json.Marshal(entry)
	if err != nil {
		return
	}
	path := groupHistoryPath(accountId) + "/" + NewId().String()
	if err := self.store.Set(ctx, path, value); err != nil {
		// the log is advisory. a failed append never fails the mutation.
		glog.Infof("[g]history append error = %s\n", err)
	}
}
