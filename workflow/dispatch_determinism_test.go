package workflow

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/models"
)

func TestDedupeAndOrder_OldestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	messages := []models.OutboxMessage{
		{ID: 3, MessageId: "c", CreatedAt: base.Add(2 * time.Second)},
		{ID: 1, MessageId: "a", CreatedAt: base},
		{ID: 2, MessageId: "b", CreatedAt: base.Add(time.Second)},
	}
	out := dedupeAndOrder(messages)
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	for i, want := range []string{"a", "b", "c"} {
		if out[i].MessageId != want {
			t.Fatalf("position %d: got %s, want %s", i, out[i].MessageId, want)
		}
	}
}

func TestDedupeAndOrder_IdTieBreak(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	messages := []models.OutboxMessage{
		{ID: 9, MessageId: "b", CreatedAt: at},
		{ID: 4, MessageId: "a", CreatedAt: at},
	}
	out := dedupeAndOrder(messages)
	if out[0].ID != 4 || out[1].ID != 9 {
		t.Fatalf("equal timestamps must order by id: got %d, %d", out[0].ID, out[1].ID)
	}
}

func TestDedupeAndOrder_DropsDuplicateMessageIds(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	messages := []models.OutboxMessage{
		{ID: 1, MessageId: "a", CreatedAt: at},
		{ID: 2, MessageId: "a", CreatedAt: at.Add(time.Second)},
		{ID: 3, MessageId: "b", CreatedAt: at.Add(2 * time.Second)},
	}
	out := dedupeAndOrder(messages)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2 after dedupe", len(out))
	}
	if out[0].ID != 1 {
		t.Fatalf("the oldest row for a message id must win, got id %d", out[0].ID)
	}
}

func TestDedupeAndOrder_Empty(t *testing.T) {
	if out := dedupeAndOrder(nil); len(out) != 0 {
		t.Fatalf("got %d messages, want 0", len(out))
	}
}
