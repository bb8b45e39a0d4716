// Package limits answers whether an organization may create one more
// resource under its current plan. Every check is advisory: callers gate
// their own inserts.
package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/directory"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

var ErrUsageUnavailable = errors.New("usage counts unavailable")

// Resolver returns the canonical subscription or the starter fallback.
type Resolver interface {
	Resolve(ctx context.Context, orgID uuid.UUID) subscription.Resolved
}

// OrganizationChecker tells whether an organization exists and so should
// own a subscription row.
type OrganizationChecker interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*directory.Organization, error)
}

// HistoryReader returns the organization's newest row in any status.
type HistoryReader interface {
	Latest(ctx context.Context, orgID uuid.UUID) (*subscription.Subscription, error)
}

// FallbackRecorder counts conservative fallbacks.
type FallbackRecorder interface {
	LimitFallback()
}

// Check is the verdict for one resource class.
type Check struct {
	CanCreate    bool   `json:"can_create"`
	CurrentCount int    `json:"current_count"`
	MaxAllowed   int    `json:"max_allowed"`
	Reason       string `json:"reason,omitempty"`
}

type Usage struct {
	Plan               catalog.Tier `json:"plan"`
	TemplateCount      int          `json:"template_count"`
	TeamMemberCount    int          `json:"team_member_count"`
	AdminCount         int          `json:"admin_count"`
	MonthlySubmissions int          `json:"monthly_submissions"`
}

// Service computes usage against plan limits.
type Service struct {
	subs      Resolver
	catalog   *catalog.Catalog
	profiles  directory.Profiles
	templates directory.Templates
	reports   directory.Reports
	orgs      OrganizationChecker
	history   HistoryReader
	metrics   FallbackRecorder
	now       func() time.Time
	log       *slog.Logger
}

type Option func(*Service)

// WithOrganizations lets fallbacks be flagged as suspicious when the
// organization exists but its subscription could not be read.
func WithOrganizations(o OrganizationChecker) Option {
	return func(s *Service) { s.orgs = o }
}

// WithHistory keeps organizations whose subscription ended from being
// flagged: their starter caps are expected.
func WithHistory(h HistoryReader) Option {
	return func(s *Service) { s.history = h }
}

func WithMetrics(m FallbackRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func New(subs Resolver, cat *catalog.Catalog, profiles directory.Profiles, templates directory.Templates, reports directory.Reports, opts ...Option) *Service {
	if subs == nil || cat == nil || profiles == nil || templates == nil || reports == nil {
		panic("limits: resolver, catalog, profiles, templates and reports are required")
	}
	s := &Service{
		subs:      subs,
		catalog:   cat,
		profiles:  profiles,
		templates: templates,
		reports:   reports,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("limits"))
	return s
}

// GetSubscriptionLimits never fails. Any inability to read billing state
// yields the starter caps and a warning.
func (s *Service) GetSubscriptionLimits(ctx context.Context, orgID uuid.UUID) catalog.Limits {
	r := s.subs.Resolve(ctx, orgID)
	if r.Err != nil {
		s.fallback(ctx, orgID, "subscription lookup failed", r.Err)
		return s.catalog.Starter()
	}
	if r.IsFallback() {
		if s.orgs != nil {
			if _, err := s.orgs.GetOrganization(ctx, orgID); err == nil && !s.lapsed(ctx, orgID) {
				s.fallback(ctx, orgID, "organization has no canonical subscription", nil)
			}
		}
		return s.catalog.Starter()
	}

	l, err := s.catalog.Limits(r.Plan)
	if err != nil {
		s.fallback(ctx, orgID, "subscription references unknown plan", err)
		return s.catalog.Starter()
	}
	return l
}

// lapsed reports whether the organization still has a row that is simply
// no longer canonical, such as a cancelled or expired subscription.
func (s *Service) lapsed(ctx context.Context, orgID uuid.UUID) bool {
	if s.history == nil {
		return false
	}
	sub, err := s.history.Latest(ctx, orgID)
	if err != nil || sub == nil || sub.Status.IsCanonical() {
		return false
	}
	s.log.DebugContext(ctx, "starter limits after subscription ended",
		logger.OrganizationID(orgID.String()), logger.Status(string(sub.Status)))
	return true
}

func (s *Service) fallback(ctx context.Context, orgID uuid.UUID, msg string, err error) {
	attrs := []any{logger.OrganizationID(orgID.String()), slog.Bool("suspicious", true)}
	if err != nil {
		attrs = append(attrs, logger.Error(err))
	}
	s.log.WarnContext(ctx, "using starter limits: "+msg, attrs...)
	if s.metrics != nil {
		s.metrics.LimitFallback()
	}
}

func (s *Service) CheckCanCreateTeamMember(ctx context.Context, orgID uuid.UUID) (Check, error) {
	l := s.GetSubscriptionLimits(ctx, orgID)
	n, err := s.profiles.CountActiveProfiles(ctx, orgID, directory.RoleManager)
	if err != nil {
		return Check{}, errors.Join(ErrUsageUnavailable, err)
	}
	return verdict(l.Plan, "team members", n, l.MaxTeamMembers), nil
}

func (s *Service) CheckCanCreateAdmin(ctx context.Context, orgID uuid.UUID) (Check, error) {
	l := s.GetSubscriptionLimits(ctx, orgID)
	n, err := s.profiles.CountActiveProfiles(ctx, orgID, directory.RoleAdmin)
	if err != nil {
		return Check{}, errors.Join(ErrUsageUnavailable, err)
	}
	return verdict(l.Plan, "admins", n, l.MaxAdmins), nil
}

func (s *Service) CheckCanCreateTemplate(ctx context.Context, orgID uuid.UUID) (Check, error) {
	l := s.GetSubscriptionLimits(ctx, orgID)
	n, err := s.templates.CountActiveTemplates(ctx, orgID)
	if err != nil {
		return Check{}, errors.Join(ErrUsageUnavailable, err)
	}
	return verdict(l.Plan, "templates", n, l.MaxTemplates), nil
}

// CheckCanSubmitReport counts submissions since the start of the current UTC
// month.
func (s *Service) CheckCanSubmitReport(ctx context.Context, orgID uuid.UUID) (Check, error) {
	l := s.GetSubscriptionLimits(ctx, orgID)
	n, err := s.reports.CountSubmittedSince(ctx, orgID, monthStart(s.now()))
	if err != nil {
		return Check{}, errors.Join(ErrUsageUnavailable, err)
	}
	return verdict(l.Plan, "report submissions this month", n, l.MaxMonthlySubmissions), nil
}

// GetCurrentUsage returns raw counts without side effects.
func (s *Service) GetCurrentUsage(ctx context.Context, orgID uuid.UUID) (Usage, error) {
	u := Usage{Plan: s.GetSubscriptionLimits(ctx, orgID).Plan}
	var err error
	if u.TemplateCount, err = s.templates.CountActiveTemplates(ctx, orgID); err != nil {
		return Usage{}, errors.Join(ErrUsageUnavailable, err)
	}
	if u.TeamMemberCount, err = s.profiles.CountActiveProfiles(ctx, orgID, directory.RoleManager); err != nil {
		return Usage{}, errors.Join(ErrUsageUnavailable, err)
	}
	if u.AdminCount, err = s.profiles.CountActiveProfiles(ctx, orgID, directory.RoleAdmin); err != nil {
		return Usage{}, errors.Join(ErrUsageUnavailable, err)
	}
	if u.MonthlySubmissions, err = s.reports.CountSubmittedSince(ctx, orgID, monthStart(s.now())); err != nil {
		return Usage{}, errors.Join(ErrUsageUnavailable, err)
	}
	return u, nil
}

func verdict(plan catalog.Tier, what string, count, max int) Check {
	c := Check{CanCreate: catalog.Allows(max, count), CurrentCount: count, MaxAllowed: max}
	if c.CanCreate {
		return c
	}
	next := catalog.NextTier(plan)
	if next == plan {
		c.Reason = fmt.Sprintf("Your %s plan allows %d %s. Contact support to raise this limit.", plan, max, what)
	} else {
		c.Reason = fmt.Sprintf("Your %s plan allows %d %s. Upgrade to %s to add more.", plan, max, what, next)
	}
	return c
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
