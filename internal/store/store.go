// Package store provides the storage backends for CheckinPipe.
//
// Three stores back the workflow engine: a durable key/value state store for
// conversation modes and contacts, a TTL cache for drafts and dedup markers,
// and an insert-only event log whose readers always resolve the latest row per
// key. SQLite and PostgreSQL implement all three over database/sql; the
// in-memory store serves tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// ErrNotFound is returned when a key has no (unexpired) value.
var ErrNotFound = errors.New("store: not found")

// StateStore is the durable per-user state.
type StateStore interface {
	GetConversationState(ctx context.Context, userID string) (models.UserConversationState, error)
	SaveConversationState(ctx context.Context, state models.UserConversationState) error
	DeleteConversationState(ctx context.Context, userID string) error

	GetContact(ctx context.Context, userID string) (models.Contact, error)
	SaveContact(ctx context.Context, contact models.Contact) error
}

// Cache is a TTL key/value store. Expired entries read as absent.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent stores value only if key is absent or expired and reports
	// whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteExpired removes expired entries and returns how many were removed.
	DeleteExpired(ctx context.Context) (int64, error)
}

// Event is one row of the append-only log.
type Event struct {
	Seq       int64
	ID        string
	Stream    string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// EventLog is an insert-only record store. There is no update or delete;
// the current value for a key is the row with the highest sequence number.
type EventLog interface {
	Append(ctx context.Context, stream, key string, payload []byte) (Event, error)
	Latest(ctx context.Context, stream, key string) (Event, error)
	// LatestPerKey returns the latest row of every key in stream that starts
	// with keyPrefix, ordered by key.
	LatestPerKey(ctx context.Context, stream, keyPrefix string) ([]Event, error)
	// History returns every row for key, oldest first.
	History(ctx context.Context, stream, key string) ([]Event, error)
}

// Store bundles the three backends behind one connection.
type Store interface {
	StateStore
	Cache
	EventLog
	Close() error
}
