package outbox_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"calstore/internal/outbox"
	"calstore/internal/schema"
	"calstore/internal/store"
)

func testQueue(t *testing.T) (*outbox.Queue, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "calstore.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return outbox.New(db.RawDB(), zerolog.Nop()), db
}

func TestEnqueueAndList(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	first := &schema.OutboxEntry{OwnerID: "user-1", Op: schema.OpCreate, Kind: schema.KindEvent, TargetID: "ev-1"}
	second := &schema.OutboxEntry{OwnerID: "user-1", Op: schema.OpUpdate, Kind: schema.KindEvent, TargetID: "ev-1",
		Payload: []byte(`{"title":"changed"}`)}
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if first.ID == 0 || second.ID == 0 {
		t.Fatalf("ids not assigned: %d %d", first.ID, second.ID)
	}

	entries, err := q.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Op != schema.OpCreate || entries[1].Op != schema.OpUpdate {
		t.Errorf("enqueue order not preserved: %v %v", entries[0].Op, entries[1].Op)
	}
	if string(entries[1].Payload) != `{"title":"changed"}` {
		t.Errorf("payload mismatch: %s", entries[1].Payload)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q, _ := testQueue(t)
	err := q.Enqueue(context.Background(), &schema.OutboxEntry{OwnerID: "user-1"})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestMarkAttemptAndAck(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	e := &schema.OutboxEntry{OwnerID: "user-1", Op: schema.OpDelete, Kind: schema.KindCategory, TargetID: "cat-1"}
	if err := q.Enqueue(ctx, e); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := q.MarkAttempt(ctx, e.ID, errors.New("remote unreachable")); err != nil {
		t.Fatalf("mark attempt failed: %v", err)
	}
	entries, err := q.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got := entries[0]
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError != "remote unreachable" {
		t.Errorf("last_error = %q", got.LastError)
	}
	if got.LastAttemptAt == nil {
		t.Errorf("last_attempt_at not recorded")
	}

	if err := q.Ack(ctx, e.ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	entries, err = q.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("acked entry still listed")
	}
}

func TestAckUnknownEntry(t *testing.T) {
	q, _ := testQueue(t)
	if err := q.Ack(context.Background(), 999); err == nil {
		t.Errorf("expected error acking unknown entry")
	}
}

func TestReapRequiresBothConditions(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	add := func(target string) int64 {
		e := &schema.OutboxEntry{OwnerID: "user-1", Op: schema.OpCreate, Kind: schema.KindEvent, TargetID: target}
		if err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		return e.ID
	}
	oldExhausted := add("ev-old-exhausted")
	oldRetryable := add("ev-old-retryable")
	newExhausted := add("ev-new-exhausted")

	old := schema.FormatTime(time.Now().Add(-8 * 24 * time.Hour))
	mustExec := func(query string, args ...any) {
		if _, err := db.RawDB().Exec(query, args...); err != nil {
			t.Fatalf("exec failed: %v", err)
		}
	}
	mustExec(`UPDATE outbox SET created_at = ?, attempts = 5 WHERE id = ?`, old, oldExhausted)
	mustExec(`UPDATE outbox SET created_at = ?, attempts = 2 WHERE id = ?`, old, oldRetryable)
	mustExec(`UPDATE outbox SET attempts = 5 WHERE id = ?`, newExhausted)

	n, err := q.Reap(ctx, 7*24*time.Hour, 3)
	if err != nil {
		t.Fatalf("reap failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}

	entries, err := q.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("remaining = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ID == oldExhausted {
			t.Errorf("exhausted old entry survived reap")
		}
	}
}
