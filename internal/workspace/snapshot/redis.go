package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStreamKey is the Redis stream carrying snapshot trigger messages.
	DefaultStreamKey = "notebase:snapshots:trigger"

	// DefaultGroupName is the consumer group shared by engine processes.
	DefaultGroupName = "engine-snapshots"

	defaultClaimMinIdle = 30 * time.Second
	defaultClaimBatch   = 50
)

// RedisTrigger publishes snapshot trigger messages to a Redis stream and
// consumes them through a consumer group, so compaction survives process
// death and runs fully decoupled from the writer's request cycle.
type RedisTrigger struct {
	client  *redis.Client
	manager *Manager
	retry   RetryPolicy
	logger  *slog.Logger

	streamKey    string
	groupName    string
	claimMinIdle time.Duration
	claimBatch   int64
}

// RedisTriggerConfig holds Redis trigger configuration.
type RedisTriggerConfig struct {
	StreamKey    string
	GroupName    string
	Retry        RetryPolicy
	ClaimMinIdle time.Duration
	ClaimBatch   int64
}

// DefaultRedisTriggerConfig returns the default configuration.
func DefaultRedisTriggerConfig() RedisTriggerConfig {
	return RedisTriggerConfig{
		StreamKey:    DefaultStreamKey,
		GroupName:    DefaultGroupName,
		Retry:        DefaultRetryPolicy(),
		ClaimMinIdle: defaultClaimMinIdle,
		ClaimBatch:   defaultClaimBatch,
	}
}

// NewRedisTrigger creates a Redis-backed snapshot trigger.
func NewRedisTrigger(client *redis.Client, manager *Manager, logger *slog.Logger) *RedisTrigger {
	return NewRedisTriggerWithConfig(client, manager, logger, DefaultRedisTriggerConfig())
}

// NewRedisTriggerWithConfig creates a Redis-backed snapshot trigger with
// full configuration.
func NewRedisTriggerWithConfig(client *redis.Client, manager *Manager, logger *slog.Logger, cfg RedisTriggerConfig) *RedisTrigger {
	if cfg.StreamKey == "" {
		cfg.StreamKey = DefaultStreamKey
	}
	if cfg.GroupName == "" {
		cfg.GroupName = DefaultGroupName
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = defaultClaimMinIdle
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = defaultClaimBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTrigger{
		client:       client,
		manager:      manager,
		retry:        cfg.Retry,
		logger:       logger,
		streamKey:    cfg.StreamKey,
		groupName:    cfg.GroupName,
		claimMinIdle: cfg.ClaimMinIdle,
		claimBatch:   cfg.ClaimBatch,
	}
}

// Notify implements Trigger. Publish errors are logged and absorbed; the
// writer's append already succeeded and must not observe them.
func (t *RedisTrigger) Notify(ctx context.Context, workspaceID string) {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.streamKey,
		Values: map[string]interface{}{
			"workspace_id": workspaceID,
		},
	}).Err()
	if err != nil {
		t.logger.Warn("failed to publish snapshot trigger",
			slog.String("workspace_id", workspaceID),
			slog.String("error", err.Error()),
		)
	}
}

// Start launches the consumer loop. Returns once the group exists; the loop
// runs until ctx is canceled.
func (t *RedisTrigger) Start(ctx context.Context) {
	go t.consume(ctx)
}

func (t *RedisTrigger) consume(ctx context.Context) {
	consumerName := t.consumerName()

	for {
		err := t.client.XGroupCreateMkStream(ctx, t.streamKey, t.groupName, "0").Err()
		if err == nil || err.Error() == "BUSYGROUP Consumer Group name already exists" {
			break
		}

		t.logger.Error("failed to create snapshot consumer group, retrying...",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
			t.reclaimPending(ctx, consumerName)

			streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    t.groupName,
				Consumer: consumerName,
				Streams:  []string{t.streamKey, ">"},
				Count:    10,
				Block:    5 * time.Second,
			}).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					t.logger.Error("failed to read snapshot trigger stream",
						slog.String("error", err.Error()),
					)
					time.Sleep(time.Second)
				}
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					t.processMessage(ctx, msg)
				}
			}
		}
	}
}

func (t *RedisTrigger) processMessage(ctx context.Context, msg redis.XMessage) {
	// Always ack: a failed materialization is naturally retried on the next
	// qualifying append, so a trigger message is never worth redelivering
	// forever.
	defer t.ack(ctx, msg.ID)

	workspaceID, ok := msg.Values["workspace_id"].(string)
	if !ok || workspaceID == "" {
		t.logger.Error("malformed snapshot trigger message", slog.String("id", msg.ID))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= t.retry.MaximumAttempts; attempt++ {
		_, err := t.manager.Materialize(ctx, workspaceID)
		if err == nil {
			return
		}
		lastErr = err

		if attempt < t.retry.MaximumAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.retry.Backoff(attempt)):
			}
		}
	}

	t.logger.Error("snapshot materialization failed",
		slog.String("workspace_id", workspaceID),
		slog.Int("attempts", t.retry.MaximumAttempts),
		slog.String("error", lastErr.Error()),
	)
}

func (t *RedisTrigger) ack(ctx context.Context, id string) {
	if err := t.client.XAck(ctx, t.streamKey, t.groupName, id).Err(); err != nil && ctx.Err() == nil {
		t.logger.Error("failed to ack snapshot trigger",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

// reclaimPending takes over trigger messages abandoned by crashed consumers.
func (t *RedisTrigger) reclaimPending(ctx context.Context, consumer string) {
	start := "0-0"

	for {
		msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   t.streamKey,
			Group:    t.groupName,
			Consumer: consumer,
			MinIdle:  t.claimMinIdle,
			Start:    start,
			Count:    t.claimBatch,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				t.logger.Warn("failed to reclaim pending snapshot triggers",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		for _, msg := range msgs {
			t.processMessage(ctx, msg)
		}

		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

func (t *RedisTrigger) consumerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("engine-%s-%d", hostname, os.Getpid())
}
