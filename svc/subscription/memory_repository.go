package subscription

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository. Suitable for tests and
// single-instance development.
type MemoryRepository struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]Subscription
	activity []ActivityEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[uuid.UUID]Subscription)}
}

func clone(s Subscription) *Subscription {
	c := s
	if s.TrialEndsAt != nil {
		t := *s.TrialEndsAt
		c.TrialEndsAt = &t
	}
	if s.PaymentFailedAt != nil {
		t := *s.PaymentFailedAt
		c.PaymentFailedAt = &t
	}
	if s.DisplayUpdatedAt != nil {
		t := *s.DisplayUpdatedAt
		c.DisplayUpdatedAt = &t
	}
	if s.LastEventAt != nil {
		t := *s.LastEventAt
		c.LastEventAt = &t
	}
	return &c
}

func (r *MemoryRepository) FindCanonical(_ context.Context, orgID uuid.UUID) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rows[orgID]
	if !ok || !s.Status.IsCanonical() {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *MemoryRepository) FindLatest(_ context.Context, orgID uuid.UUID) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rows[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *MemoryRepository) FindByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if externalID == "" {
		return nil, ErrNotFound
	}
	for _, s := range r.rows {
		if s.ExternalSubscriptionID == externalID {
			return clone(s), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) Replace(_ context.Context, orgID uuid.UUID, fn ReplaceFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev *Subscription
	if s, ok := r.rows[orgID]; ok {
		prev = clone(s)
	}
	next, entry, err := fn(prev)
	if err != nil {
		return err
	}
	r.rows[orgID] = *clone(next)
	r.activity = append(r.activity, entry)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, next Subscription, expectedVersion int64, entry *ActivityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.rows[next.OrganizationID]
	if !ok || cur.ID != next.ID {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConcurrentUpdate
	}
	r.rows[next.OrganizationID] = *clone(next)
	if entry != nil {
		r.activity = append(r.activity, *entry)
	}
	return nil
}

func (r *MemoryRepository) AppendActivity(_ context.Context, entry ActivityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activity = append(r.activity, entry)
	return nil
}

// ListActivity returns the newest entries first.
func (r *MemoryRepository) ListActivity(_ context.Context, orgID uuid.UUID, limit int) ([]ActivityEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ActivityEntry, 0)
	for i := len(r.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if r.activity[i].OrganizationID == orgID {
			out = append(out, r.activity[i])
		}
	}
	return out, nil
}

func (r *MemoryRepository) list(match func(Subscription) bool) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0)
	for _, s := range r.rows {
		if match(s) {
			out = append(out, *clone(s))
		}
	}
	slices.SortFunc(out, func(a, b Subscription) int {
		return bytes.Compare(a.OrganizationID[:], b.OrganizationID[:])
	})
	return out
}

func (r *MemoryRepository) ListExpiredInternalTrials(_ context.Context, now time.Time) ([]Subscription, error) {
	return r.list(func(s Subscription) bool {
		return s.IsInternalTrial && s.Status.IsCanonical() && s.TrialEndsAt != nil && s.TrialEndsAt.Before(now)
	}), nil
}

func (r *MemoryRepository) ListGraceExpired(_ context.Context, before time.Time) ([]Subscription, error) {
	return r.list(func(s Subscription) bool {
		return s.Status == StatusPastDue && s.PaymentFailedAt != nil && s.PaymentFailedAt.Before(before)
	}), nil
}

func (r *MemoryRepository) ListLapsed(_ context.Context, before time.Time) ([]Subscription, error) {
	return r.list(func(s Subscription) bool { return isLapsed(s, before) }), nil
}

func (r *MemoryRepository) ListCanonical(_ context.Context, after uuid.UUID, limit int) ([]Subscription, error) {
	all := r.list(func(s Subscription) bool {
		return s.Status.IsCanonical() && bytes.Compare(s.OrganizationID[:], after[:]) > 0
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// isLapsed mirrors the SQL used by the Postgres repository.
func isLapsed(s Subscription, before time.Time) bool {
	if s.Status == StatusCancelled {
		return true
	}
	return s.Status.IsCanonical() &&
		s.ExternalSubscriptionID != "" &&
		s.CurrentPeriodEnd.Before(before)
}
