package workflow

import (
	"context"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/sirupsen/logrus"
)

const (
	dispatchBatchSize  = 50
	maxPublishAttempts = 5
)

// dedupeAndOrder normalizes a claimed batch before publishing: oldest rows
// first (CreatedAt, then id as tie-break) and at most one row per message
// id. MessageId is unique in the table, but a claim that raced a retry can
// hand the same logical message back twice; publishing it once is enough.
func dedupeAndOrder(messages []models.OutboxMessage) []models.OutboxMessage {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	seen := make(map[string]bool, len(messages))
	out := messages[:0]
	for _, m := range messages {
		if seen[m.MessageId] {
			continue
		}
		seen[m.MessageId] = true
		out = append(out, m)
	}
	return out
}

// DispatchPendingOutbox claims a batch of unsent outbox rows and pushes them
// to Pub/Sub. Claiming uses FOR UPDATE SKIP LOCKED so concurrent dispatchers
// never block each other; the redis lock on top only reduces duplicate
// publish attempts, it is not required for correctness (consumers dedupe on
// message id).
func DispatchPendingOutbox(ctx context.Context, logger *logrus.Logger) error {
	db := config.GetDB()

	release, err := utils.BusinessLock(ctx, "global", "outbox_dispatch", "outboxDispatcher.go", "DispatchPendingOutbox")
	if err != nil {
		// Another dispatcher holds the lock; this cycle is theirs.
		return nil
	}
	defer release()

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var messages []models.OutboxMessage
	if err := tx.Raw(`SELECT * FROM outbox_messages
		     WHERE publish_status IN ('PENDING','FAILED') AND attempts < ?
		     ORDER BY id ASC LIMIT ?
		     FOR UPDATE SKIP LOCKED`, maxPublishAttempts, dispatchBatchSize).
		Scan(&messages).Error; err != nil {
		tx.Rollback()
		return err
	}
	if len(messages) == 0 {
		tx.Rollback()
		return nil
	}
	messages = dedupeAndOrder(messages)

	for i := range messages {
		message := &messages[i]
		_, pubErr := config.PublishNotification(ctx, config.NotificationMessage{
			ID:            message.ID,
			BusinessId:    message.BusinessId,
			EventType:     string(message.EventType),
			Payload:       []byte(message.Payload),
			EmittedAt:     message.CreatedAt,
			CorrelationId: message.MessageId,
		})

		updates := map[string]interface{}{
			"Attempts": message.Attempts + 1,
		}
		if pubErr != nil {
			updates["PublishStatus"] = models.OutboxPublishStatusFailed
			updates["LastError"] = pubErr.Error()
			config.LogError(logger, "outboxDispatcher.go", "DispatchPendingOutbox",
				"publish failed", message.MessageId, pubErr)
		} else {
			now := time.Now()
			updates["PublishStatus"] = models.OutboxPublishStatusSent
			updates["LastError"] = ""
			updates["SentAt"] = now
		}
		if err := tx.Model(message).Updates(updates).Error; err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit().Error
}

// RunOutboxDispatcher loops DispatchPendingOutbox until ctx is canceled.
func RunOutboxDispatcher(ctx context.Context, logger *logrus.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := DispatchPendingOutbox(ctx, logger); err != nil {
				config.LogError(logger, "outboxDispatcher.go", "RunOutboxDispatcher",
					"dispatch cycle failed", nil, err)
			}
		}
	}
}
