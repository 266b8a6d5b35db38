package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OutboxMessage is a notification queued inside a business transaction.
// Nothing is published to the bus until after commit; the dispatcher in
// workflow claims pending rows and pushes them out. A failed publish never
// rolls anything back.
type OutboxMessage struct {
	ID            int                   `gorm:"primary_key" json:"id"`
	BusinessId    string                `gorm:"index;not null" json:"business_id"`
	MessageId     string                `gorm:"size:64;uniqueIndex;not null" json:"message_id"`
	EventType     NotificationEventType `gorm:"size:100;index;not null" json:"event_type"`
	Payload       string                `gorm:"type:text" json:"payload"`
	PublishStatus OutboxPublishStatus   `gorm:"type:enum('PENDING','SENT','FAILED');default:'PENDING';index" json:"publish_status"`
	Attempts      int                   `gorm:"default:0" json:"attempts"`
	LastError     string                `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time             `gorm:"autoCreateTime" json:"created_at"`
	SentAt        *time.Time            `json:"sent_at"`
}

func emitOutboxMessage(tx *gorm.DB, businessId string, eventType NotificationEventType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	message := OutboxMessage{
		BusinessId: businessId,
		MessageId:  uuid.NewString(),
		EventType:  eventType,
		Payload:    string(body),
	}
	return tx.Create(&message).Error
}

// EmitOrderStatusChanged queues an order-status-changed event in tx.
func EmitOrderStatusChanged(tx *gorm.DB, businessId string, orderId int, previous OrderStatus, next OrderStatus) error {
	return emitOutboxMessage(tx, businessId, NotificationEventOrderStatusChanged, map[string]interface{}{
		"order_id":        orderId,
		"previous_status": previous,
		"status":          next,
	})
}

// EmitAdminRefresh queues a coarse "something changed, refresh" signal for
// admin dashboards.
func EmitAdminRefresh(tx *gorm.DB, businessId string, scope string) error {
	return emitOutboxMessage(tx, businessId, NotificationEventAdminRefresh, map[string]interface{}{
		"scope": scope,
	})
}
