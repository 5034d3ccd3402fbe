// Copyright 2025 James Ross
// Package streamqueue wraps a single Redis stream and consumer group in the
// shape the worker loop and front door need: publish, read-as-group, ack,
// dead-letter, and pending-backlog introspection for telemetry.
package streamqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sploot/media-clustering/internal/queue"
)

// Config configures a Queue against one logical stream.
type Config struct {
	StreamName     string
	DeadLetterName string
	ConsumerGroup  string
	ConsumerName   string
	MaxLenApprox   int64
	ClaimMinIdle   time.Duration
	ClaimCount     int64
}

// Queue wraps a redis.Cmdable so both a real *redis.Client and a
// miniredis-backed test client satisfy it interchangeably.
type Queue struct {
	client redis.Cmdable
	cfg    Config
}

// Entry is one stream record read back from the group, paired with the
// decoded envelope it carries.
type Entry struct {
	ID       string
	Envelope queue.JobEnvelope
}

// New builds a Queue bound to client. Call EnsureGroup before ReadGroup.
func New(client redis.Cmdable, cfg Config) *Queue {
	return &Queue{client: client, cfg: cfg}
}

// EnsureGroup creates the consumer group at the beginning of the stream,
// creating the stream itself (MKSTREAM) if it does not yet exist. Treats
// both "group already exists" and a freshly-created group as success.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.StreamName, q.cfg.ConsumerGroup, "0").Err()
	if err == nil {
		return nil
	}
	if isBusyGroup(err) {
		return nil
	}
	return fmt.Errorf("ensure consumer group: %w", err)
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Publish appends an envelope to the main stream, trimming approximately to
// MaxLenApprox when configured. Returns the assigned stream entry ID.
func (q *Queue) Publish(ctx context.Context, env queue.JobEnvelope) (string, error) {
	return q.publishTo(ctx, q.cfg.StreamName, env)
}

// DeadLetterPublish appends an envelope plus its terminal error string to the
// configured dead-letter stream.
func (q *Queue) DeadLetterPublish(ctx context.Context, env queue.JobEnvelope, cause string) error {
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope for dead letter: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: q.cfg.DeadLetterName,
		ID:     "*",
		Values: map[string]interface{}{
			"payload": payload,
			"error":   cause,
		},
	}
	if _, err := q.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (q *Queue) publishTo(ctx context.Context, stream string, env queue.JobEnvelope) (string, error) {
	payload, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{"payload": payload},
	}
	if q.cfg.MaxLenApprox > 0 {
		args.MaxLen = q.cfg.MaxLenApprox
		args.Approx = true
	}
	id, err := q.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish envelope: %w", err)
	}
	return id, nil
}

// ReadGroup blocks up to block waiting for up to count new entries assigned
// to consumerName, claiming any long-idle pending entries first when
// ClaimMinIdle is configured. Returns an empty, nil-error slice on a timeout.
func (q *Queue) ReadGroup(ctx context.Context, consumerName string, count int64, block time.Duration) ([]Entry, error) {
	if q.cfg.ClaimMinIdle > 0 {
		if err := q.claimStale(ctx, consumerName); err != nil {
			return nil, fmt.Errorf("claim stale entries: %w", err)
		}
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.ConsumerGroup,
		Consumer: consumerName,
		Streams:  []string{q.cfg.StreamName, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(res[0].Messages))
	for _, msg := range res[0].Messages {
		raw, _ := msg.Values["payload"].(string)
		env, err := queue.UnmarshalEnvelope(raw)
		if err != nil {
			// Surface the bad entry with a zero-value envelope so the
			// caller can still ack it and record the malformed-envelope
			// outcome; dropping it silently would leak a pending entry.
			entries = append(entries, Entry{ID: msg.ID, Envelope: queue.JobEnvelope{}})
			continue
		}
		entries = append(entries, Entry{ID: msg.ID, Envelope: env})
	}
	return entries, nil
}

func (q *Queue) claimStale(ctx context.Context, consumerName string) error {
	count := q.cfg.ClaimCount
	if count <= 0 {
		count = 10
	}
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.StreamName,
		Group:  q.cfg.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= q.cfg.ClaimMinIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	_, err = q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.StreamName,
		Group:    q.cfg.ConsumerGroup,
		Consumer: consumerName,
		MinIdle:  q.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Ack acknowledges the stream entry at id.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.cfg.StreamName, q.cfg.ConsumerGroup, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// PendingSummary reports the number of delivered-but-unacked entries for the
// consumer group. Degrades to zero on any error, matching the telemetry
// gauges' tolerance for a stream that doesn't exist yet.
func (q *Queue) PendingSummary(ctx context.Context) int64 {
	res, err := q.client.XPending(ctx, q.cfg.StreamName, q.cfg.ConsumerGroup).Result()
	if err != nil {
		return 0
	}
	return res.Count
}

// OldestPendingAge reports how long the oldest pending entry has sat
// unacknowledged. Degrades to zero on any error.
func (q *Queue) OldestPendingAge(ctx context.Context) time.Duration {
	res, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.StreamName,
		Group:  q.cfg.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil || len(res) == 0 {
		return 0
	}
	return res[0].Idle
}
