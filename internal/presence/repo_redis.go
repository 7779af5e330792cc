package presence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	redisOnlineSetKey = "presence:online"
	redisKeyPrefix    = "presence:"
)

// RedisDirectory stores presence as one hash per identity plus a set of online identities.
//
//	presence:<identity>  HASH  is_online=0|1 hourly_rate=<float>
//	presence:online      SET   identities currently online
type RedisDirectory struct {
	rdb *redis.Client
}

func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

func redisPresenceKey(identity string) string { return redisKeyPrefix + identity }

func (d *RedisDirectory) Get(ctx context.Context, identity string) (Presence, error) {
	if identity == "" {
		return Presence{}, ErrInvalidArgument
	}
	fields, err := d.rdb.HGetAll(ctx, redisPresenceKey(identity)).Result()
	if err != nil {
		return Presence{}, fmt.Errorf("presence: redis get: %w", err)
	}
	if len(fields) == 0 {
		return Presence{}, ErrNotFound
	}
	return decodePresence(identity, fields)
}

func (d *RedisDirectory) ListOnline(ctx context.Context) ([]Presence, error) {
	ids, err := d.rdb.SMembers(ctx, redisOnlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: redis list: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = d.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, redisPresenceKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presence: redis list: %w", err)
	}

	out := make([]Presence, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			// Set and hash drifted apart; the hash is authoritative.
			continue
		}
		p, err := decodePresence(id, fields)
		if err != nil {
			return nil, err
		}
		if p.IsOnline {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *RedisDirectory) Set(ctx context.Context, p Presence) error {
	if err := p.Validate(); err != nil {
		return err
	}
	online := "0"
	if p.IsOnline {
		online = "1"
	}
	_, err := d.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisPresenceKey(p.Identity),
			"is_online", online,
			"hourly_rate", strconv.FormatFloat(p.HourlyRate, 'f', -1, 64),
		)
		if p.IsOnline {
			pipe.SAdd(ctx, redisOnlineSetKey, p.Identity)
		} else {
			pipe.SRem(ctx, redisOnlineSetKey, p.Identity)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: redis set: %w", err)
	}
	return nil
}

func decodePresence(identity string, fields map[string]string) (Presence, error) {
	p := Presence{Identity: identity, IsOnline: fields["is_online"] == "1"}
	if raw := fields["hourly_rate"]; raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Presence{}, fmt.Errorf("presence: bad hourly_rate for %s: %w", identity, err)
		}
		p.HourlyRate = rate
	}
	return p, nil
}
