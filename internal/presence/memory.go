package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/covechat/cove/internal/models"
)

// MemoryStore is a single-process Store with the same semantics as the
// Redis implementation. It serves tests and deployments that run one
// server process (COVE_REDIS_ADDR unset).
type MemoryStore struct {
	mu      sync.Mutex
	actors  map[string]map[string]models.PresenceRecord // key -> connID -> record
	subs    []*memorySub
	closed  bool
}

type memorySub struct {
	pattern string
	ch      chan Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors: make(map[string]map[string]models.PresenceRecord),
	}
}

func (s *MemoryStore) SetConnection(_ context.Context, websiteID, actorID, connID string, rec models.PresenceRecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := presenceKey(websiteID, actorID)
	if s.actors[key] == nil {
		s.actors[key] = make(map[string]models.PresenceRecord)
	}
	s.actors[key][connID] = rec
	return nil
}

func (s *MemoryStore) RefreshConnection(_ context.Context, websiteID, actorID, connID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := presenceKey(websiteID, actorID)
	rec, ok := s.actors[key][connID]
	if !ok {
		return nil
	}
	rec.UpdatedAt = time.Now().UTC()
	s.actors[key][connID] = rec
	return nil
}

func (s *MemoryStore) RemoveConnection(_ context.Context, websiteID, actorID, connID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := presenceKey(websiteID, actorID)
	delete(s.actors[key], connID)
	remaining := len(s.actors[key])
	if remaining == 0 {
		delete(s.actors, key)
	}
	return remaining, nil
}

func (s *MemoryStore) Connections(_ context.Context, websiteID, actorID string, maxAge time.Duration) ([]models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var records []models.PresenceRecord
	for _, rec := range s.actors[presenceKey(websiteID, actorID)] {
		if rec.UpdatedAt.Before(cutoff) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *MemoryStore) IsOnline(ctx context.Context, websiteID, actorID string, maxAge time.Duration) (bool, error) {
	records, err := s.Connections(ctx, websiteID, actorID, maxAge)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	subs := make([]*memorySub, 0, len(s.subs))
	for _, sub := range s.subs {
		if matchPattern(sub.pattern, channel) {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- Delivery{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber; realtime delivery is best-effort.
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, pattern string) (<-chan Delivery, func(), error) {
	sub := &memorySub{pattern: pattern, ch: make(chan Delivery, 256)}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		for i, existing := range s.subs {
			if existing == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
		s.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, sub := range s.subs {
		close(sub.ch)
	}
	s.subs = nil
	return nil
}

// matchPattern supports the trailing-* glob used by channel patterns.
func matchPattern(pattern, channel string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}
