// Copyright 2025 James Ross
package streamqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sploot/media-clustering/internal/queue"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := New(client, Config{
		StreamName:     "cluster-jobs",
		DeadLetterName: "cluster-jobs-dead-letter",
		ConsumerGroup:  "cluster-workers",
		ConsumerName:   "worker-1",
	})
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	return q, client
}

func TestEnsureGroupIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("second EnsureGroup call should be idempotent: %v", err)
	}
}

func TestPublishReadAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	env := queue.NewEnvelope("job-1", "pet-1", nil)
	id, err := q.Publish(ctx, env)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty stream entry id")
	}

	entries, err := q.ReadGroup(ctx, "worker-1", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Envelope.SubjectID != "pet-1" {
		t.Fatalf("expected subject_id pet-1, got %s", entries[0].Envelope.SubjectID)
	}

	if pending := q.PendingSummary(ctx); pending != 1 {
		t.Fatalf("expected 1 pending entry before ack, got %d", pending)
	}

	if err := q.Ack(ctx, entries[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if pending := q.PendingSummary(ctx); pending != 0 {
		t.Fatalf("expected 0 pending entries after ack, got %d", pending)
	}
}

func TestReadGroupEmptyOnTimeout(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	entries, err := q.ReadGroup(ctx, "worker-1", 10, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestDeadLetterPublish(t *testing.T) {
	ctx := context.Background()
	q, client := newTestQueue(t)

	env := queue.NewEnvelope("job-2", "pet-2", nil)
	if err := q.DeadLetterPublish(ctx, env, "upstream unavailable"); err != nil {
		t.Fatalf("DeadLetterPublish: %v", err)
	}

	length, err := client.XLen(ctx, "cluster-jobs-dead-letter").Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected 1 dead-lettered entry, got %d", length)
	}
}

func TestPendingSummaryDegradesToZeroWithoutGroup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := New(client, Config{
		StreamName:    "no-such-stream",
		ConsumerGroup: "no-such-group",
		ConsumerName:  "worker-1",
	})

	if got := q.PendingSummary(context.Background()); got != 0 {
		t.Fatalf("expected 0 pending for nonexistent stream, got %d", got)
	}
	if got := q.OldestPendingAge(context.Background()); got != 0 {
		t.Fatalf("expected 0 oldest-pending-age for nonexistent stream, got %v", got)
	}
}
