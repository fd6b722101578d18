// Package notify fans out "vehicle state changed" events to observers
// outside the pipeline, such as a live dashboard. Delivery is best
// effort; a failed notification is logged and never retried.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/packtrail-data/packtrail/internal/db"
	"github.com/packtrail-data/packtrail/internal/monitoring"
)

// Notifier is invoked after an accepted update has been persisted.
type Notifier interface {
	VehicleStateChanged(ctx context.Context, s *db.VehicleSnapshot) error
	Close() error
}

// Nop discards all notifications. Used when no live-state backend is
// configured.
type Nop struct{}

func (Nop) VehicleStateChanged(context.Context, *db.VehicleSnapshot) error { return nil }

func (Nop) Close() error { return nil }

// RedisNotifier mirrors the latest accepted snapshot per vehicle into a
// redis hash and publishes a change event for subscribers.
type RedisNotifier struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisNotifier connects to redis at addr and verifies the
// connection with a ping.
func NewRedisNotifier(ctx context.Context, addr, password string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		PoolSize: 10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisNotifier{client: client, ttl: 24 * time.Hour}, nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// VehicleStateChanged writes the snapshot to vehicle:{id}:state and
// publishes it on vehicle:{id}:updates.
func (n *RedisNotifier) VehicleStateChanged(ctx context.Context, s *db.VehicleSnapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	stateKey := fmt.Sprintf("vehicle:%d:state", s.VehicleID)
	channel := fmt.Sprintf("vehicle:%d:updates", s.VehicleID)

	pipe := n.client.Pipeline()
	pipe.HSet(ctx, stateKey,
		"ts", s.Timestamp.Unix(),
		"payload", payload,
	)
	pipe.Expire(ctx, stateKey, n.ttl)
	pipe.Publish(ctx, channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Fire runs a notifier call and logs the error instead of returning
// it. The pipeline treats notifications as side effects.
func Fire(ctx context.Context, n Notifier, s *db.VehicleSnapshot) {
	if n == nil {
		return
	}
	if err := n.VehicleStateChanged(ctx, s); err != nil {
		monitoring.Logf("notify failed for vehicle %d: %v", s.VehicleID, err)
	}
}
