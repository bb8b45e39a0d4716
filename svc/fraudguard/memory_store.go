package fraudguard

import (
	"context"
	"sync"
)

// MemoryPromoStore keeps redemptions in process memory.
type MemoryPromoStore struct {
	mu   sync.RWMutex
	recs map[string]PromoRedemption
}

func NewMemoryPromoStore() *MemoryPromoStore {
	return &MemoryPromoStore{recs: make(map[string]PromoRedemption)}
}

func (s *MemoryPromoStore) HasRedemption(_ context.Context, email, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recs[email+"|"+code]
	return ok, nil
}

func (s *MemoryPromoStore) SaveRedemption(_ context.Context, r PromoRedemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Email + "|" + r.Code
	if _, ok := s.recs[key]; ok {
		return ErrDuplicateRedemption
	}
	s.recs[key] = r
	return nil
}
