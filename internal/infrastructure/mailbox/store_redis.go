package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"swarmcast/internal/core/domain"
)

// RedisStore keeps signal rows in Redis so multiple mailbox instances can
// serve the same rooms. Each row lives under its own key with a TTL equal
// to the signal's remaining lifetime; a per-room sorted set scored by
// creation time provides ordered listing.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "swarmcast:",
	}
}

// NewRedisClient dials Redis with connection pooling and verifies the
// connection before returning.
func NewRedisClient(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Infow("connected to redis", "address", address, "db", db)
	return client, nil
}

func (r *RedisStore) signalKey(id string) string {
	return r.prefix + "signal:" + id
}

func (r *RedisStore) roomKey(room domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:signals", r.prefix, room)
}

func (r *RedisStore) Append(ctx context.Context, sig *domain.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	ttl := time.Until(sig.ExpiresAt)
	if ttl <= 0 {
		return nil // already expired, nothing to store
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.signalKey(sig.ID), data, ttl)
	pipe.ZAdd(ctx, r.roomKey(sig.RoomID), redis.Z{
		Score:  float64(sig.CreatedAt.UnixNano()),
		Member: sig.ID,
	})
	// The index outlives individual rows by the TTL of its newest member.
	pipe.Expire(ctx, r.roomKey(sig.RoomID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store signal in redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Fetch(ctx context.Context, room domain.RoomID, peer domain.PeerID) ([]*domain.Signal, error) {
	ids, err := r.client.ZRange(ctx, r.roomKey(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list room signals: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.signalKey(id)
	}
	rows, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load room signals: %w", err)
	}

	now := time.Now()
	var out []*domain.Signal
	var stale []interface{}
	for i, row := range rows {
		raw, ok := row.(string)
		if !ok {
			// Row expired out from under its index entry.
			stale = append(stale, ids[i])
			continue
		}
		var sig domain.Signal
		if err := json.Unmarshal([]byte(raw), &sig); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		if sig.Expired(now) || sig.FromPeer == peer {
			continue
		}
		if !sig.Broadcast() && sig.ToPeer != peer {
			continue
		}
		out = append(out, &sig)
	}
	if len(stale) > 0 {
		r.client.ZRem(ctx, r.roomKey(room), stale...)
	}
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	raw, err := r.client.Get(ctx, r.signalKey(id)).Result()
	if err == redis.Nil {
		return domain.ErrSignalNotFound
	}
	if err != nil {
		return fmt.Errorf("load signal for delete: %w", err)
	}

	var sig domain.Signal
	if err := json.Unmarshal([]byte(raw), &sig); err == nil {
		r.client.ZRem(ctx, r.roomKey(sig.RoomID), id)
	}
	if err := r.client.Del(ctx, r.signalKey(id)).Err(); err != nil {
		return fmt.Errorf("delete signal: %w", err)
	}
	return nil
}

func (r *RedisStore) DeleteForPeer(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	ids, err := r.client.ZRange(ctx, r.roomKey(room), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list room signals: %w", err)
	}
	for _, id := range ids {
		raw, err := r.client.Get(ctx, r.signalKey(id)).Result()
		if err != nil {
			continue
		}
		var sig domain.Signal
		if err := json.Unmarshal([]byte(raw), &sig); err != nil {
			continue
		}
		if sig.ToPeer != peer {
			continue
		}
		r.client.Del(ctx, r.signalKey(id))
		r.client.ZRem(ctx, r.roomKey(room), id)
	}
	return nil
}
