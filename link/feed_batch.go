package link

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/golang/glog"
)

type MessageRecord struct {
	MessageId      string `json:"message_id"`
	ConversationId string `json:"conversation_id"`
	Address        string `json:"address"`
	Body           string `json:"body"`
	Incoming       bool   `json:"incoming"`
	Timestamp      int64  `json:"timestamp"`
}

// the phone's native message provider, consumed only by the batch sync
type LocalStore interface {
	QueryRecentRecords(ctx context.Context, sinceDays int, cap int) ([]*MessageRecord, error)
}

type SyncStatusKind string

const (
	SyncStatusRunning   SyncStatusKind = "running"
	SyncStatusCompleted SyncStatusKind = "completed"
	SyncStatusFailed    SyncStatusKind = "failed"
)

type SyncProgress struct {
	Status      SyncStatusKind `json:"status"`
	SyncedCount int            `json:"synced_count"`
	TotalCount  int            `json:"total_count"`
	ErrorCount  int            `json:"error_count,omitempty"`
}

type SyncProgressFunc func(progress SyncProgress)

func (self *ChangeFeedProcessor) AddSyncProgressCallback(callback SyncProgressFunc) func() {
	return self.progressCallbacks.Add(callback)
}

// pushes bounded local history to the store for a newly joined device.
// records group by conversation, the highest-volume conversations
// sync first, and pushes go out in small delayed batches so the
// transport is never overwhelmed.
//
// the loop detaches from the caller's cancellation: once started, an
// item either completes or times out on its own 15s budget, and the
// loop proceeds either way. total work stays bounded by the caps.
func (self *ChangeFeedProcessor) SyncRange(ctx context.Context, accountId Id, days int, perConversationCap int, totalCap int) (*SyncProgress, error) {
	if self.local == nil {
		return nil, ErrCapabilityUnavailable
	}

	records, err := self.local.QueryRecentRecords(ctx, days, totalCap)
	if err != nil {
		return nil, err
	}

	conversations := map[string][]*MessageRecord{}
	for _, record := range records {
		conversations[record.ConversationId] = append(conversations[record.ConversationId], record)
	}

	conversationIds := make([]string, 0, len(conversations))
	for conversationId := range conversations {
		conversationIds = append(conversationIds, conversationId)
	}
	sort.Slice(conversationIds, func(i int, j int) bool {
		a := len(conversations[conversationIds[i]])
		b := len(conversations[conversationIds[j]])
		if a != b {
			return b < a
		}
		return conversationIds[i] < conversationIds[j]
	})
	if self.settings.BatchTopConversations < len(conversationIds) {
		conversationIds = conversationIds[:self.settings.BatchTopConversations]
	}

	queue := []*MessageRecord{}
	for _, conversationId := range conversationIds {
		items := conversations[conversationId]
		sort.Slice(items, func(i int, j int) bool {
			return items[i].Timestamp < items[j].Timestamp
		})
		if perConversationCap < len(items) {
			items = items[len(items)-perConversationCap:]
		}
		queue = append(queue, items...)
	}
	if totalCap < len(queue) {
		queue = queue[:totalCap]
	}

	progress := &SyncProgress{
		Status:     SyncStatusRunning,
		TotalCount: len(queue),
	}
	self.publishProgress(*progress)

	// items must complete even if the invoking context goes away
	detachedCtx := context.WithoutCancel(ctx)

	for i, record := range queue {
		select {
		case <-self.ctx.Done():
			// processor teardown is the one thing that stops the loop
			progress.Status = SyncStatusFailed
			self.publishProgress(*progress)
			return progress, self.ctx.Err()
		default:
		}

		if err := self.pushRecord(detachedCtx, accountId, record); err != nil {
			// record and move to the next item
			glog.Infof("[f]batch item error %s = %s\n", record.MessageId, err)
			progress.ErrorCount += 1
		} else {
			progress.SyncedCount += 1
		}

		if (i+1)%self.settings.BatchSize == 0 && i+1 < len(queue) {
			self.publishProgress(*progress)
			select {
			case <-self.ctx.Done():
			case <-time.After(self.settings.BatchDelay):
			}
		}
	}

	progress.Status = SyncStatusCompleted
	self.publishProgress(*progress)
	glog.Infof("[f]batch sync done %d/%d (%d errors)\n",
		progress.SyncedCount, progress.TotalCount, progress.ErrorCount)
	return progress, nil
}

func (self *ChangeFeedProcessor) pushRecord(ctx context.Context, accountId Id, record *MessageRecord) error {
	itemCtx, itemCancel := context.WithTimeout(ctx, self.settings.BatchItemTimeout)
	defer itemCancel()

	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	path := AccountPath(accountId, "messages", record.MessageId)
	if err := self.store.Set(itemCtx, path, value); err != nil {
		if itemCtx.Err() != nil {
			return &TimeoutError{Op: "batch item", Err: err}
		}
		return err
	}
	return nil
}

func (self *ChangeFeedProcessor) publishProgress(progress SyncProgress) {
	for _, callback := range self.progressCallbacks.Get() {
		func() {
			defer recoverLog("[f]progress")
			callback(progress)
		}()
	}
}
