package redis_session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opwatch/opwatch/session/session_models"
)

const (
	defaultAcquireWait = 5 * time.Second
	leaseTTL           = 30 * time.Second
	leasePollInterval  = 100 * time.Millisecond
)

type Store struct {
	client      *redis.Client
	acquireWait time.Duration
}

func NewRedisSessionStore(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{client: rdb, acquireWait: defaultAcquireWait}
}

func metaKey(id string) string  { return fmt.Sprintf("session:%s:meta", id) }
func turnsKey(id string) string { return fmt.Sprintf("session:%s:turns", id) }
func leaseKey(id string) string { return fmt.Sprintf("session:%s:lease", id) }

func (store *Store) Ensure(ctx context.Context, id string, ttl time.Duration) (string, error) {
	if id != "" {
		exists, err := store.client.Exists(ctx, metaKey(id)).Result()
		if err != nil {
			return "", err
		}
		if exists == 1 {
			if ttl > 0 {
				_ = store.client.Expire(ctx, metaKey(id), ttl).Err()
				_ = store.client.Expire(ctx, turnsKey(id), ttl).Err()
			}
			return id, nil
		}
	}

	newID := uuid.NewString()
	if err := store.client.Set(ctx, metaKey(newID), "{}", ttl).Err(); err != nil {
		return "", err
	}
	return newID, nil
}

// Acquire takes the session lease via SET NX with a safety TTL so a
// crashed holder cannot wedge the session forever. Contenders poll until
// the bounded wait elapses.
func (store *Store) Acquire(ctx context.Context, id string) (func(), error) {
	exists, err := store.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, session_models.ErrNotFound
	}

	token := uuid.NewString()
	deadline := time.Now().Add(store.acquireWait)
	for {
		ok, err := store.client.SetNX(ctx, leaseKey(id), token, leaseTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			release := func() {
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if val, err := store.client.Get(rctx, leaseKey(id)).Result(); err == nil && val == token {
					_ = store.client.Del(rctx, leaseKey(id)).Err()
				}
			}
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, session_models.ErrSessionBusy
		}
		timer := time.NewTimer(leasePollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (store *Store) Append(ctx context.Context, id string, t session_models.Turn) (int, error) {
	exists, err := store.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, session_models.ErrNotFound
	}

	length, err := store.client.LLen(ctx, turnsKey(id)).Result()
	if err != nil {
		return 0, err
	}
	t.Seq = int(length) + 1
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return 0, err
	}
	if err := store.client.RPush(ctx, turnsKey(id), data).Err(); err != nil {
		return 0, err
	}
	// Keep the turn log on the same clock as the session meta.
	if ttl, err := store.client.PTTL(ctx, metaKey(id)).Result(); err == nil && ttl > 0 {
		_ = store.client.Expire(ctx, turnsKey(id), ttl).Err()
	}
	return t.Seq, nil
}

func (store *Store) History(ctx context.Context, id string) ([]session_models.Turn, error) {
	exists, err := store.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, session_models.ErrNotFound
	}

	vals, err := store.client.LRange(ctx, turnsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]session_models.Turn, 0, len(vals))
	for _, v := range vals {
		var t session_models.Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decoding turn: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}
