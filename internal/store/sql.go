package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

const (
	tableConversationState = "conversation_state"
	tableContacts          = "contacts"
	tableCache             = "cache_entries"
	tableEventLog          = "event_log"
)

var eventColumns = []string{"seq", "id", "stream", "event_key", "payload", "created_at"}

// sqlStore implements Store over database/sql. Statements are built with
// squirrel so one implementation serves both dialects; only the placeholder
// format differs.
type sqlStore struct {
	db   *sql.DB
	qb   sq.StatementBuilderType
	now  func() time.Time
	name string
}

func newSQLStore(db *sql.DB, placeholder sq.PlaceholderFormat, now func() time.Time, name string) *sqlStore {
	return &sqlStore{
		db:   db,
		qb:   sq.StatementBuilder.PlaceholderFormat(placeholder),
		now:  now,
		name: name,
	}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *sqlStore) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlStore) queryRow(ctx context.Context, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.QueryRowContext(ctx, query, args...), nil
}

// GetConversationState returns the stored mode for userID or ErrNotFound.
func (s *sqlStore) GetConversationState(ctx context.Context, userID string) (models.UserConversationState, error) {
	row, err := s.queryRow(ctx, s.qb.Select("user_id", "mode", "set_at").
		From(tableConversationState).
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return models.UserConversationState{}, err
	}

	var st models.UserConversationState
	var mode string
	var setAt int64
	if err := row.Scan(&st.UserID, &mode, &setAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UserConversationState{}, ErrNotFound
		}
		slog.Error(s.name+".GetConversationState: scan failed", "userID", userID, "error", err)
		return models.UserConversationState{}, fmt.Errorf("get conversation state for %s: %w", userID, err)
	}
	st.Mode = models.ConversationMode(mode)
	st.SetAt = fromMillis(setAt)
	return st, nil
}

// SaveConversationState replaces any previous mode for the user.
func (s *sqlStore) SaveConversationState(ctx context.Context, state models.UserConversationState) error {
	_, err := s.exec(ctx, s.qb.Insert(tableConversationState).
		Columns("user_id", "mode", "set_at").
		Values(state.UserID, string(state.Mode), toMillis(state.SetAt)).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET mode = excluded.mode, set_at = excluded.set_at"))
	if err != nil {
		slog.Error(s.name+".SaveConversationState: upsert failed", "userID", state.UserID, "error", err)
		return fmt.Errorf("save conversation state for %s: %w", state.UserID, err)
	}
	slog.Debug(s.name+".SaveConversationState: saved", "userID", state.UserID, "mode", state.Mode)
	return nil
}

// DeleteConversationState removes the stored mode. Deleting a missing row is not an error.
func (s *sqlStore) DeleteConversationState(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, s.qb.Delete(tableConversationState).Where(sq.Eq{"user_id": userID})); err != nil {
		return fmt.Errorf("delete conversation state for %s: %w", userID, err)
	}
	return nil
}

// GetContact returns the remembered conversation handle for userID.
func (s *sqlStore) GetContact(ctx context.Context, userID string) (models.Contact, error) {
	row, err := s.queryRow(ctx, s.qb.Select("user_id", "conversation_id", "updated_at").
		From(tableContacts).
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return models.Contact{}, err
	}

	var c models.Contact
	var updatedAt int64
	if err := row.Scan(&c.UserID, &c.ConversationID, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Contact{}, ErrNotFound
		}
		return models.Contact{}, fmt.Errorf("get contact for %s: %w", userID, err)
	}
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// SaveContact records the conversation handle for a user.
func (s *sqlStore) SaveContact(ctx context.Context, c models.Contact) error {
	_, err := s.exec(ctx, s.qb.Insert(tableContacts).
		Columns("user_id", "conversation_id", "updated_at").
		Values(c.UserID, c.ConversationID, toMillis(c.UpdatedAt)).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET conversation_id = excluded.conversation_id, updated_at = excluded.updated_at"))
	if err != nil {
		return fmt.Errorf("save contact for %s: %w", c.UserID, err)
	}
	return nil
}

// Get returns an unexpired cache value.
func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, error) {
	row, err := s.queryRow(ctx, s.qb.Select("value").
		From(tableCache).
		Where(sq.Eq{"cache_key": key}).
		Where(sq.Gt{"expires_at": toMillis(s.now())}))
	if err != nil {
		return nil, err
	}

	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	return []byte(value), nil
}

// Set writes value with a time-to-live, replacing any existing entry.
func (s *sqlStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.exec(ctx, s.qb.Insert(tableCache).
		Columns("cache_key", "value", "expires_at").
		Values(key, string(value), toMillis(s.now().Add(ttl))).
		Suffix("ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at"))
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent writes value only when no live entry exists. An expired entry
// is overwritten in the same statement.
func (s *sqlStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.exec(ctx, s.qb.Insert(tableCache).
		Columns("cache_key", "value", "expires_at").
		Values(key, string(value), toMillis(now.Add(ttl))).
		Suffix("ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at WHERE "+
			tableCache+".expires_at <= ?", toMillis(now)))
	if err != nil {
		return false, fmt.Errorf("cache set-if-absent %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache set-if-absent %s: rows affected: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes a cache entry.
func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if _, err := s.exec(ctx, s.qb.Delete(tableCache).Where(sq.Eq{"cache_key": key})); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// DeleteExpired sweeps expired cache entries.
func (s *sqlStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, s.qb.Delete(tableCache).Where(sq.LtOrEq{"expires_at": toMillis(s.now())}))
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Append inserts a new event row and returns it with its sequence number.
func (s *sqlStore) Append(ctx context.Context, stream, key string, payload []byte) (Event, error) {
	ev := Event{
		ID:        uuid.NewString(),
		Stream:    stream,
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: fromMillis(toMillis(s.now())),
	}
	row, err := s.queryRow(ctx, s.qb.Insert(tableEventLog).
		Columns("id", "stream", "event_key", "payload", "created_at").
		Values(ev.ID, stream, key, string(payload), toMillis(ev.CreatedAt)).
		Suffix("RETURNING seq"))
	if err != nil {
		return Event{}, err
	}
	if err := row.Scan(&ev.Seq); err != nil {
		slog.Error(s.name+".Append: insert failed", "stream", stream, "key", key, "error", err)
		return Event{}, fmt.Errorf("append %s/%s: %w", stream, key, err)
	}
	return ev, nil
}

// Latest returns the most recently appended row for key.
func (s *sqlStore) Latest(ctx context.Context, stream, key string) (Event, error) {
	row, err := s.queryRow(ctx, s.qb.Select(eventColumns...).
		From(tableEventLog).
		Where(sq.Eq{"stream": stream, "event_key": key}).
		OrderBy("seq DESC").
		Limit(1))
	if err != nil {
		return Event{}, err
	}
	ev, err := scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("latest %s/%s: %w", stream, key, err)
	}
	return ev, nil
}

// LatestPerKey resolves the latest row of every key under keyPrefix.
func (s *sqlStore) LatestPerKey(ctx context.Context, stream, keyPrefix string) ([]Event, error) {
	latest := s.qb.Select("MAX(seq)").
		From(tableEventLog).
		Where(sq.Eq{"stream": stream}).
		Where("event_key LIKE ? ESCAPE '\\'", likePrefix(keyPrefix)).
		GroupBy("event_key")
	inner, args, err := latest.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.queryEvents(ctx, s.qb.Select(eventColumns...).
		From(tableEventLog).
		Where("seq IN ("+inner+")", args...).
		OrderBy("event_key"))
}

// History returns every row for key in insertion order.
func (s *sqlStore) History(ctx context.Context, stream, key string) ([]Event, error) {
	return s.queryEvents(ctx, s.qb.Select(eventColumns...).
		From(tableEventLog).
		Where(sq.Eq{"stream": stream, "event_key": key}).
		OrderBy("seq"))
}

func (s *sqlStore) queryEvents(ctx context.Context, b sq.SelectBuilder) ([]Event, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(scan func(dest ...any) error) (Event, error) {
	var ev Event
	var payload string
	var createdAt int64
	if err := scan(&ev.Seq, &ev.ID, &ev.Stream, &ev.Key, &payload, &createdAt); err != nil {
		return Event{}, err
	}
	ev.Payload = []byte(payload)
	ev.CreatedAt = fromMillis(createdAt)
	return ev, nil
}

// likePrefix escapes LIKE wildcards in prefix and appends "%".
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}
