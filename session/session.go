package session

import (
	"context"
	"fmt"
	"time"

	"github.com/opwatch/opwatch/session/inmemory"
	redissession "github.com/opwatch/opwatch/session/redis"
	"github.com/opwatch/opwatch/session/session_models"
)

// Store is the append-only turn log keyed by session id. All writers go
// through Acquire; the store holds exactly one writer lease per session,
// so concurrent submits against the same session serialize instead of
// interleaving their turn records.
type Store interface {
	// Ensure creates the session when id is empty or unknown, refreshes
	// the TTL otherwise, and returns the effective session id.
	Ensure(ctx context.Context, id string, ttl time.Duration) (string, error)
	// Acquire takes the exclusive writer lease for a session. It waits a
	// bounded time for the current holder and then fails with
	// session_models.ErrSessionBusy. The release func must be called
	// exactly once.
	Acquire(ctx context.Context, id string) (release func(), err error)
	// Append adds a turn and returns its assigned sequence number.
	// Callers must hold the writer lease.
	Append(ctx context.Context, id string, t session_models.Turn) (int, error)
	// History returns all turns of the session in sequence order.
	History(ctx context.Context, id string) ([]session_models.Turn, error)
}

type StoreType string

const (
	InMemoryStore StoreType = "inmemory"
	RedisStore    StoreType = "redis"
)

// Config selects and tunes the session backend.
type Config struct {
	Type          StoreType
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func NewStore(cfg Config) Store {
	var store Store
	switch cfg.Type {
	case InMemoryStore, "":
		store = inmemory.NewInMemorySessionStore()
	case RedisStore:
		store = redissession.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		panic(fmt.Sprintf("unsupported store type: %s", cfg.Type))
	}

	return store
}
