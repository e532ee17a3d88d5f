package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opwatch/opwatch/session/session_models"
)

const defaultAcquireWait = 5 * time.Second

type record struct {
	expiresAt time.Time
	turns     []session_models.Turn
	lease     chan struct{}
}

func (r *record) expired() bool {
	return !r.expiresAt.IsZero() && time.Now().After(r.expiresAt)
}

type Store struct {
	sessions    map[string]*record
	mu          sync.RWMutex
	acquireWait time.Duration
}

func NewInMemorySessionStore() *Store {
	return &Store{
		sessions:    make(map[string]*record),
		acquireWait: defaultAcquireWait,
	}
}

func (store *Store) Ensure(ctx context.Context, id string, ttl time.Duration) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if id != "" {
		if rec, ok := store.sessions[id]; ok && !rec.expired() {
			rec.expiresAt = expiry(ttl)
			return id, nil
		}
	}

	newID := uuid.NewString()
	store.sessions[newID] = &record{
		expiresAt: expiry(ttl),
		lease:     make(chan struct{}, 1),
	}
	return newID, nil
}

func (store *Store) Acquire(ctx context.Context, id string) (func(), error) {
	store.mu.RLock()
	rec, ok := store.sessions[id]
	store.mu.RUnlock()
	if !ok || rec.expired() {
		return nil, session_models.ErrNotFound
	}

	timer := time.NewTimer(store.acquireWait)
	defer timer.Stop()
	select {
	case rec.lease <- struct{}{}:
		return func() { <-rec.lease }, nil
	case <-timer.C:
		return nil, session_models.ErrSessionBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (store *Store) Append(ctx context.Context, id string, t session_models.Turn) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	rec, ok := store.sessions[id]
	if !ok || rec.expired() {
		return 0, session_models.ErrNotFound
	}

	t.Seq = len(rec.turns) + 1
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	t.Payload = append([]byte(nil), t.Payload...)
	rec.turns = append(rec.turns, t)
	return t.Seq, nil
}

func (store *Store) History(ctx context.Context, id string) ([]session_models.Turn, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	rec, ok := store.sessions[id]
	if !ok || rec.expired() {
		return nil, session_models.ErrNotFound
	}

	out := make([]session_models.Turn, len(rec.turns))
	copy(out, rec.turns)
	for i := range out {
		out[i].Payload = append([]byte(nil), out[i].Payload...)
	}
	return out, nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
