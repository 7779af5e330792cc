package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"devcall/internal/calls"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "call:"

// RedisNotifier publishes committed revisions on call:<id> and serves Watch via
// Redis pub/sub. Redis pub/sub delivers only to connected subscribers, which is
// why Controller.Subscribe re-reads the record after attaching.
type RedisNotifier struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisNotifier(rdb *redis.Client, log *slog.Logger) *RedisNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &RedisNotifier{rdb: rdb, log: log}
}

func redisChannel(id string) string { return redisChannelPrefix + id }

func (n *RedisNotifier) Publish(ctx context.Context, rec calls.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, redisChannel(rec.ID), payload).Err(); err != nil {
		n.log.Warn("call revision publish failed", "call_id", rec.ID, "version", rec.Version, "err", err)
		return fmt.Errorf("signaling: redis publish: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Watch(ctx context.Context, id string) (<-chan calls.Record, func(), error) {
	ps := n.rdb.Subscribe(ctx, redisChannel(id))
	// Wait for the subscription confirmation so no revision published after
	// Watch returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("signaling: redis subscribe: %w", err)
	}

	out := make(chan calls.Record)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec calls.Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					n.log.Warn("call revision decode failed", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- rec:
				case <-done:
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
