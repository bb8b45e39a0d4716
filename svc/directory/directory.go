// Package directory defines the organization, team, template and report
// collaborators billing reads and trims, plus in-memory implementations.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrOrganizationNotFound = errors.New("organization not found")

// Role of a profile inside an organization.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
)

type Organization struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	ContactEmail      string     `json:"contact_email"`
	LastCancelledAt   *time.Time `json:"last_cancelled_at,omitempty"`
	CancellationCount int        `json:"cancellation_count"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type Profile struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Email          string    `json:"email"`
	Role           Role      `json:"role"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

type Template struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Name           string    `json:"name"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

type Report struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	SubmittedAt    time.Time `json:"submitted_at"`
	Archived       bool      `json:"archived"`
}

// Organizations exposes tenant metadata.
type Organizations interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)
	// RecordCancellation stores the cancellation time and bumps the counter.
	// Repeating the same timestamp is a no-op.
	RecordCancellation(ctx context.Context, id uuid.UUID, at time.Time) error
	ListOrganizations(ctx context.Context, after uuid.UUID, limit int) ([]Organization, error)
}

// Profiles is the team directory.
type Profiles interface {
	CountActiveProfiles(ctx context.Context, orgID uuid.UUID, role Role) (int, error)
	ListActiveProfiles(ctx context.Context, orgID uuid.UUID, role Role) ([]Profile, error)
	DeactivateProfiles(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) error
}

type Templates interface {
	CountActiveTemplates(ctx context.Context, orgID uuid.UUID) (int, error)
	ListActiveTemplates(ctx context.Context, orgID uuid.UUID) ([]Template, error)
	DeactivateTemplates(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) error
}

type Reports interface {
	CountSubmittedSince(ctx context.Context, orgID uuid.UUID, since time.Time) (int, error)
	ListStoredReports(ctx context.Context, orgID uuid.UUID) ([]Report, error)
	ArchiveReports(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) error
}
