package link

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestGroupRecoverOrCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	groups := NewSyncGroupCoordinator(store)
	accountId := NewId()

	groupId, err := groups.RecoverOrCreateGroup(ctx, accountId, "test phone")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, Id{}, groupId)

	// a second device recovers the same group, it never recreates it
	again, err := groups.RecoverOrCreateGroup(ctx, accountId, "laptop")
	assert.Equal(t, nil, err)
	assert.Equal(t, groupId, again)

	group, err := groups.Group(ctx, groupId)
	assert.Equal(t, nil, err)
	assert.Equal(t, PlanFree, group.Plan)
	assert.Equal(t, 1, group.DeviceLimit)
	assert.Equal(t, 0, len(group.Devices))
}

func TestGroupJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	groups := NewSyncGroupCoordinator(store)
	accountId := NewId()

	groupId, err := groups.RecoverOrCreateGroup(ctx, accountId, "test phone")
	assert.Equal(t, nil, err)

	deviceId := NewId()
	result, err := groups.JoinGroup(ctx, groupId, deviceId, "test phone")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, result.DeviceCount)
	assert.Equal(t, 1, result.DeviceLimit)

	// rejoining is idempotent, never double-counted
	result, err = groups.JoinGroup(ctx, groupId, deviceId, "test phone")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, result.DeviceCount)

	err = groups.LeaveGroup(ctx, groupId, deviceId)
	assert.Equal(t, nil, err)

	group, err := groups.Group(ctx, groupId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(group.Devices))
}

func TestGroupDeviceLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	groups := NewSyncGroupCoordinator(store)
	accountId := NewId()

	groupId, err := groups.RecoverOrCreateGroup(ctx, accountId, "test phone")
	assert.Equal(t, nil, err)

	_, err = groups.JoinGroup(ctx, groupId, NewId(), "test phone")
	assert.Equal(t, nil, err)

	// free plan allows one device
	_, err = groups.JoinGroup(ctx, groupId, NewId(), "laptop")
	assert.Equal(t, ErrDeviceLimitReached, err)
}

// the count check and the membership write share one transact, so
// concurrent joins can never admit more devices than the limit
func TestGroupDeviceLimitConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	groups := NewSyncGroupCoordinator(store)
	accountId := NewId()

	groupId, err := groups.RecoverOrCreateGroup(ctx, accountId, "test phone")
	assert.Equal(t, nil, err)
	err = groups.UpdatePlan(ctx, groupId, PlanMonthly)
	assert.Equal(t, nil, err)

	n := 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = groups.JoinGroup(ctx, groupId, NewId(), "device")
		}(i)
	}
	wg.Wait()

	joined := 0
	rejected := 0
	for _, err := range errs {
		switch err {
		case nil:
			joined += 1
		case ErrDeviceLimitReached:
			rejected += 1
		default:
			t.Fatalf("unexpected join error = %s", err)
		}
	}
	assert.Equal(t, 5, joined)
	assert.Equal(t, 3, rejected)

	group, err := groups.Group(ctx, groupId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, len(group.Devices))
}

func TestGroupUpdatePlan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	groups := NewSyncGroupCoordinator(store)
	accountId := NewId()

	groupId, err := groups.RecoverOrCreateGroup(ctx, accountId, "test phone")
	assert.Equal(t, nil, err)

	err = groups.UpdatePlan(ctx, groupId, PlanMultiYear)
	assert.Equal(t, nil, err)

	group, err := groups.Group(ctx, groupId)
	assert.Equal(t, nil, err)
	assert.Equal(t, PlanMultiYear, group.Plan)
	assert.Equal(t, 10, group.DeviceLimit)

	// a downgrade applies the same way, no devices are evicted
	deviceId := NewId()
	_, err = groups.JoinGroup(ctx, groupId, deviceId, "laptop")
	assert.Equal(t, nil, err)
	err = groups.UpdatePlan(ctx, groupId, PlanFree)
	assert.Equal(t, nil, err)

	group, err = groups.Group(ctx, groupId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, group.DeviceLimit)
	assert.Equal(t, 1, len(group.Devices))
}

func TestGroupHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	groups := NewSyncGroupCoordinator(store)
	accountId := NewId()

	groupId, err := groups.RecoverOrCreateGroup(ctx, accountId, "test phone")
	assert.Equal(t, nil, err)

	deviceId := NewId()
	_, err = groups.JoinGroup(ctx, groupId, deviceId, "test phone")
	assert.Equal(t, nil, err)
	err = groups.UpdatePlan(ctx, groupId, PlanYearly)
	assert.Equal(t, nil, err)
	err = groups.LeaveGroup(ctx, groupId, deviceId)
	assert.Equal(t, nil, err)

	children, err := store.Children(ctx, groupHistoryPath(accountId))
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(children))

	kinds := map[string]int{}
	for _, value := range children {
		var entry GroupHistoryEntry
		err := json.Unmarshal(value, &entry)
		assert.Equal(t, nil, err)
		kinds[entry.Kind] += 1
	}
	assert.Equal(t, 1, kinds["device_join"])
	assert.Equal(t, 1, kinds["device_leave"])
	assert.Equal(t, 1, kinds["plan_change"])
}

func TestGroupUnknownGroup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	groups := NewSyncGroupCoordinator(store)

	_, err := groups.JoinGroup(ctx, NewId(), NewId(), "device")
	assert.Equal(t, ErrGroupNotFound, err)
}

func TestPlanDeviceLimits(t *testing.T) {
	assert.Equal(t, 1, PlanFree.DeviceLimit())
	assert.Equal(t, 5, PlanMonthly.DeviceLimit())
	assert.Equal(t, 5, PlanYearly.DeviceLimit())
	assert.Equal(t, 10, PlanMultiYear.DeviceLimit())
}
