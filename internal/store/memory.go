package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// InMemoryStore implements Store in process memory. It is meant for tests
// and local experiments; nothing survives a restart.
type InMemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	states   map[string]models.UserConversationState
	contacts map[string]models.Contact
	cache    map[string]cacheEntry
	events   []Event
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store. Only WithClock is honoured.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOpts(opts)
	return &InMemoryStore{
		now:      cfg.Now,
		states:   make(map[string]models.UserConversationState),
		contacts: make(map[string]models.Contact),
		cache:    make(map[string]cacheEntry),
	}
}

func (s *InMemoryStore) GetConversationState(_ context.Context, userID string) (models.UserConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	if !ok {
		return models.UserConversationState{}, ErrNotFound
	}
	return st, nil
}

func (s *InMemoryStore) SaveConversationState(_ context.Context, state models.UserConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.UserID] = state
	return nil
}

func (s *InMemoryStore) DeleteConversationState(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
	return nil
}

func (s *InMemoryStore) GetContact(_ context.Context, userID string) (models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[userID]
	if !ok {
		return models.Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) SaveContact(_ context.Context, c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.UserID] = c
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok || !e.expiresAt.After(s.now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *InMemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{value: append([]byte(nil), value...), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.cache[key]; ok && e.expiresAt.After(now) {
		return false, nil
	}
	s.cache[key] = cacheEntry{value: append([]byte(nil), value...), expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

func (s *InMemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, e := range s.cache {
		if !e.expiresAt.After(now) {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Append(_ context.Context, stream, key string, payload []byte) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{
		Seq:       int64(len(s.events) + 1),
		ID:        uuid.NewString(),
		Stream:    stream,
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: s.now().UTC(),
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *InMemoryStore) Latest(_ context.Context, stream, key string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if ev := s.events[i]; ev.Stream == stream && ev.Key == key {
			return ev, nil
		}
	}
	return Event{}, ErrNotFound
}

func (s *InMemoryStore) LatestPerKey(_ context.Context, stream, keyPrefix string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[string]Event)
	for _, ev := range s.events {
		if ev.Stream == stream && strings.HasPrefix(ev.Key, keyPrefix) {
			latest[ev.Key] = ev
		}
	}
	out := make([]Event, 0, len(latest))
	for _, ev := range latest {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) History(_ context.Context, stream, key string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Stream == stream && ev.Key == key {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
