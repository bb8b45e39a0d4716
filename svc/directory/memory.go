package directory

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements every collaborator interface in process memory.
type Memory struct {
	mu        sync.RWMutex
	orgs      map[uuid.UUID]Organization
	profiles  map[uuid.UUID]Profile
	templates map[uuid.UUID]Template
	reports   map[uuid.UUID]Report
}

func NewMemory() *Memory {
	return &Memory{
		orgs:      make(map[uuid.UUID]Organization),
		profiles:  make(map[uuid.UUID]Profile),
		templates: make(map[uuid.UUID]Template),
		reports:   make(map[uuid.UUID]Report),
	}
}

func (m *Memory) AddOrganization(o Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[o.ID] = o
}

func (m *Memory) AddProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

func (m *Memory) AddTemplate(t Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
}

func (m *Memory) AddReport(r Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = r
}

func (m *Memory) GetOrganization(_ context.Context, id uuid.UUID) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	return &o, nil
}

func (m *Memory) RecordCancellation(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[id]
	if !ok {
		return ErrOrganizationNotFound
	}
	if o.LastCancelledAt != nil && o.LastCancelledAt.Equal(at) {
		return nil
	}
	at = at.UTC()
	o.LastCancelledAt = &at
	o.CancellationCount++
	o.UpdatedAt = at
	m.orgs[id] = o
	return nil
}

func (m *Memory) ListOrganizations(_ context.Context, after uuid.UUID, limit int) ([]Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		if bytes.Compare(o.ID[:], after[:]) > 0 {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b Organization) int { return bytes.Compare(a.ID[:], b.ID[:]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountActiveProfiles(ctx context.Context, orgID uuid.UUID, role Role) (int, error) {
	p, err := m.ListActiveProfiles(ctx, orgID, role)
	return len(p), err
}

// ListActiveProfiles returns profiles ordered by creation time, oldest
// first.
func (m *Memory) ListActiveProfiles(_ context.Context, orgID uuid.UUID, role Role) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Profile, 0)
	for _, p := range m.profiles {
		if p.OrganizationID == orgID && p.Role == role && p.Active {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Profile) int { return compareCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID) })
	return out, nil
}

func (m *Memory) DeactivateProfiles(_ context.Context, orgID uuid.UUID, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if p, ok := m.profiles[id]; ok && p.OrganizationID == orgID {
			p.Active = false
			m.profiles[id] = p
		}
	}
	return nil
}

func (m *Memory) CountActiveTemplates(ctx context.Context, orgID uuid.UUID) (int, error) {
	t, err := m.ListActiveTemplates(ctx, orgID)
	return len(t), err
}

// ListActiveTemplates returns templates ordered by creation time, oldest
// first.
func (m *Memory) ListActiveTemplates(_ context.Context, orgID uuid.UUID) ([]Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Template, 0)
	for _, t := range m.templates {
		if t.OrganizationID == orgID && t.Active {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b Template) int { return compareCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID) })
	return out, nil
}

func (m *Memory) DeactivateTemplates(_ context.Context, orgID uuid.UUID, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if t, ok := m.templates[id]; ok && t.OrganizationID == orgID {
			t.Active = false
			m.templates[id] = t
		}
	}
	return nil
}

func (m *Memory) CountSubmittedSince(_ context.Context, orgID uuid.UUID, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.reports {
		if r.OrganizationID == orgID && !r.SubmittedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ListStoredReports returns non-archived reports, oldest first.
func (m *Memory) ListStoredReports(_ context.Context, orgID uuid.UUID) ([]Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Report, 0)
	for _, r := range m.reports {
		if r.OrganizationID == orgID && !r.Archived {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b Report) int { return compareCreated(a.SubmittedAt, b.SubmittedAt, a.ID, b.ID) })
	return out, nil
}

func (m *Memory) ArchiveReports(_ context.Context, orgID uuid.UUID, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if r, ok := m.reports[id]; ok && r.OrganizationID == orgID {
			r.Archived = true
			m.reports[id] = r
		}
	}
	return nil
}

func compareCreated(a, b time.Time, aID, bID uuid.UUID) int {
	if c := a.Compare(b); c != 0 {
		return c
	}
	return bytes.Compare(aID[:], bID[:])
}
