// Package downgrade trims an organization's resources to the caps of a
// smaller plan. Trimming deactivates or archives, it never deletes.
package downgrade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/directory"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

var ErrEnforcementFailed = errors.New("downgrade enforcement failed")

// Resource names a trimmed class.
type Resource string

const (
	ResourceTemplates Resource = "templates"
	ResourceMembers   Resource = "team_members"
	ResourceAdmins    Resource = "admins"
	ResourceReports   Resource = "reports"
)

// Result lists what one run changed.
type Result struct {
	TemplatesDeactivated []uuid.UUID `json:"templates_deactivated,omitempty"`
	MembersDeactivated   []uuid.UUID `json:"members_deactivated,omitempty"`
	AdminsDeactivated    []uuid.UUID `json:"admins_deactivated,omitempty"`
	ReportsArchived      []uuid.UUID `json:"reports_archived,omitempty"`
}

// Total is the number of trimmed resources.
func (r Result) Total() int {
	return len(r.TemplatesDeactivated) + len(r.MembersDeactivated) + len(r.AdminsDeactivated) + len(r.ReportsArchived)
}

func (r Result) summary() string {
	parts := make([]string, 0, 4)
	add := func(n int, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(len(r.TemplatesDeactivated), "templates deactivated")
	add(len(r.MembersDeactivated), "team members deactivated")
	add(len(r.AdminsDeactivated), "admins deactivated")
	add(len(r.ReportsArchived), "reports archived")
	return strings.Join(parts, ", ")
}

// ActivityRecorder appends ledger entries.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, entry subscription.ActivityEntry) error
}

// TrimRecorder counts trimmed resources.
type TrimRecorder interface {
	Trimmed(resource string, n int)
}

// Enforcer applies plan caps. Safe to run repeatedly and concurrently: each
// run recomputes the overflow from current state.
type Enforcer struct {
	profiles  directory.Profiles
	templates directory.Templates
	reports   directory.Reports
	activity  ActivityRecorder
	metrics   TrimRecorder
	log       *slog.Logger
}

type Option func(*Enforcer)

func WithMetrics(m TrimRecorder) Option {
	return func(e *Enforcer) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) {
		if l != nil {
			e.log = l
		}
	}
}

func New(profiles directory.Profiles, templates directory.Templates, reports directory.Reports, activity ActivityRecorder, opts ...Option) *Enforcer {
	if profiles == nil || templates == nil || reports == nil || activity == nil {
		panic("downgrade: profiles, templates, reports and activity recorder are required")
	}
	e := &Enforcer{
		profiles:  profiles,
		templates: templates,
		reports:   reports,
		activity:  activity,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logger.Component("downgrade"))
	return e
}

// Enforce trims every resource class over its cap in l. A class whose
// listing or update fails is reported in the returned error while the
// remaining classes are still processed.
func (e *Enforcer) Enforce(ctx context.Context, orgID uuid.UUID, l catalog.Limits, by subscription.TriggeredBy) (Result, error) {
	var res Result
	var errs []error

	if ids, err := e.trimTemplates(ctx, orgID, l.MaxTemplates); err != nil {
		errs = append(errs, fmt.Errorf("templates: %w", err))
	} else {
		res.TemplatesDeactivated = ids
	}
	if ids, err := e.trimProfiles(ctx, orgID, directory.RoleManager, l.MaxTeamMembers); err != nil {
		errs = append(errs, fmt.Errorf("team members: %w", err))
	} else {
		res.MembersDeactivated = ids
	}
	if ids, err := e.trimProfiles(ctx, orgID, directory.RoleAdmin, l.MaxAdmins); err != nil {
		errs = append(errs, fmt.Errorf("admins: %w", err))
	} else {
		res.AdminsDeactivated = ids
	}
	if ids, err := e.trimReports(ctx, orgID, l.MaxStoredSubmissions); err != nil {
		errs = append(errs, fmt.Errorf("reports: %w", err))
	} else {
		res.ReportsArchived = ids
	}

	e.record(res)

	if res.Total() > 0 {
		entry := subscription.ActivityEntry{
			OrganizationID: orgID,
			EventType:      subscription.EventDowngraded,
			ToPlan:         l.Plan,
			TriggeredBy:    by,
			Details:        res.summary(),
		}
		if err := e.activity.RecordActivity(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("activity: %w", err))
		}
		e.log.InfoContext(ctx, "plan caps enforced",
			logger.OrganizationID(orgID.String()),
			logger.Plan(string(l.Plan)),
			logger.TriggeredBy(string(by)),
			slog.Int("trimmed", res.Total()),
		)
	}

	if len(errs) > 0 {
		return res, errors.Join(append([]error{ErrEnforcementFailed}, errs...)...)
	}
	return res, nil
}

// trimTemplates keeps the newest max templates.
func (e *Enforcer) trimTemplates(ctx context.Context, orgID uuid.UUID, max int) ([]uuid.UUID, error) {
	if max == catalog.Unlimited {
		return nil, nil
	}
	list, err := e.templates.ListActiveTemplates(ctx, orgID)
	if err != nil || len(list) <= max {
		return nil, err
	}
	slices.SortFunc(list, func(a, b directory.Template) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(b.ID[:], a.ID[:])
	})
	ids := make([]uuid.UUID, 0, len(list)-max)
	for _, t := range list[max:] {
		ids = append(ids, t.ID)
	}
	if err := e.templates.DeactivateTemplates(ctx, orgID, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// trimProfiles keeps the earliest max profiles of a role.
func (e *Enforcer) trimProfiles(ctx context.Context, orgID uuid.UUID, role directory.Role, max int) ([]uuid.UUID, error) {
	if max == catalog.Unlimited {
		return nil, nil
	}
	list, err := e.profiles.ListActiveProfiles(ctx, orgID, role)
	if err != nil || len(list) <= max {
		return nil, err
	}
	slices.SortFunc(list, func(a, b directory.Profile) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	ids := make([]uuid.UUID, 0, len(list)-max)
	for _, p := range list[max:] {
		ids = append(ids, p.ID)
	}
	if err := e.profiles.DeactivateProfiles(ctx, orgID, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// trimReports keeps the newest max stored reports.
func (e *Enforcer) trimReports(ctx context.Context, orgID uuid.UUID, max int) ([]uuid.UUID, error) {
	if max == catalog.Unlimited {
		return nil, nil
	}
	list, err := e.reports.ListStoredReports(ctx, orgID)
	if err != nil || len(list) <= max {
		return nil, err
	}
	slices.SortFunc(list, func(a, b directory.Report) int {
		if c := b.SubmittedAt.Compare(a.SubmittedAt); c != 0 {
			return c
		}
		return bytes.Compare(b.ID[:], a.ID[:])
	})
	ids := make([]uuid.UUID, 0, len(list)-max)
	for _, r := range list[max:] {
		ids = append(ids, r.ID)
	}
	if err := e.reports.ArchiveReports(ctx, orgID, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (e *Enforcer) record(res Result) {
	if e.metrics == nil {
		return
	}
	e.metrics.Trimmed(string(ResourceTemplates), len(res.TemplatesDeactivated))
	e.metrics.Trimmed(string(ResourceMembers), len(res.MembersDeactivated))
	e.metrics.Trimmed(string(ResourceAdmins), len(res.AdminsDeactivated))
	e.metrics.Trimmed(string(ResourceReports), len(res.ReportsArchived))
}
