package ticket

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps tickets in process memory. Suitable for a single node.
type MemoryStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, int64]
}

// NewMemoryStore starts the expiry loop; Stop it when done.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := ttlcache.New[string, int64](
		ttlcache.WithTTL[string, int64](ttl),
		ttlcache.WithDisableTouchOnHit[string, int64](),
	)
	go c.Start()
	return &MemoryStore{cache: c}
}

func (s *MemoryStore) Stop() { s.cache.Stop() }

func (s *MemoryStore) Len() int { return s.cache.Len() }

func (s *MemoryStore) Issue(_ context.Context, userID int64) (string, error) {
	id := newID()
	s.cache.Set(id, userID, ttlcache.DefaultTTL)
	return id, nil
}

func (s *MemoryStore) Peek(_ context.Context, id string) (int64, error) {
	if !validID(id) {
		return 0, ErrNotFound.WrapMsg("peek", "ticket", id)
	}
	item := s.cache.Get(id)
	if item == nil || item.IsExpired() {
		return 0, ErrNotFound.WrapMsg("peek", "ticket", id)
	}
	return item.Value(), nil
}

func (s *MemoryStore) Consume(_ context.Context, id string) (int64, error) {
	if !validID(id) {
		return 0, ErrNotFound.WrapMsg("consume", "ticket", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(id)
	if item == nil || item.IsExpired() {
		return 0, ErrNotFound.WrapMsg("consume", "ticket", id)
	}
	s.cache.Delete(id)
	return item.Value(), nil
}
