// Package sweeper runs the nightly reconciliation of subscription state:
// internal trial expiry, payment grace expiry, lapsed subscription expiry
// and display metadata sync. Sections are isolated from each other.
package sweeper

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
	"github.com/dmitrymomot/billingcore/svc/downgrade"
	"github.com/dmitrymomot/billingcore/svc/notify"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

// ErrIncomplete is returned by RunScheduled when any section collected errors.
var ErrIncomplete = errors.New("reconciliation finished with errors")

// Section names used in logs, metrics and error messages.
const (
	SectionTrials  = "trials"
	SectionGrace   = "grace"
	SectionLapsed  = "lapsed"
	SectionDisplay = "display"
)

// Config controls the sweep windows.
type Config struct {
	GracePeriod  time.Duration `env:"SWEEP_GRACE_PERIOD" envDefault:"168h"`
	RenewalGrace time.Duration `env:"SWEEP_RENEWAL_GRACE" envDefault:"48h"`
	PageSize     int           `env:"SWEEP_PAGE_SIZE" envDefault:"200"`
}

func DefaultConfig() Config {
	return Config{GracePeriod: 7 * 24 * time.Hour, RenewalGrace: 48 * time.Hour, PageSize: 200}
}

// Summary is the JSON result of one run.
type Summary struct {
	TrialsExpired        int       `json:"trials_expired"`
	GraceExpired         int       `json:"grace_expired"`
	SubscriptionsExpired int       `json:"subscriptions_expired"`
	ResourcesTrimmed     int       `json:"resources_trimmed"`
	DisplaySynced        int       `json:"display_synced"`
	DisplayPreserved     int       `json:"display_preserved"`
	Errors               []string  `json:"errors"`
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           time.Time `json:"finished_at"`
}

func (s Summary) Failed() bool { return len(s.Errors) > 0 }

type Subscriptions interface {
	ListExpiredInternalTrials(ctx context.Context) ([]subscription.Subscription, error)
	ListGraceExpired(ctx context.Context, before time.Time) ([]subscription.Subscription, error)
	ListLapsed(ctx context.Context, before time.Time) ([]subscription.Subscription, error)
	Transition(ctx context.Context, cur subscription.Subscription, changes subscription.Changes, by subscription.TriggeredBy, opts ...subscription.ActivityOption) (*subscription.Subscription, error)
	SyncDisplayName(ctx context.Context, orgID uuid.UUID, name string) (subscription.SyncOutcome, error)
}

type Enforcer interface {
	Enforce(ctx context.Context, orgID uuid.UUID, l catalog.Limits, by subscription.TriggeredBy) (downgrade.Result, error)
}

type Notifier interface {
	TrialEnded(ctx context.Context, to notify.Recipient) error
	GraceExpired(ctx context.Context, to notify.Recipient, failedAt time.Time) error
	SubscriptionExpired(ctx context.Context, to notify.Recipient) error
}

type Recorder interface {
	SweepProcessed(section string, n int)
	SweepFailed(section string, n int)
}

// Job is the nightly reconciliation.
type Job struct {
	subs     Subscriptions
	enforcer Enforcer
	orgs     directory.Organizations
	notifier Notifier
	metrics  Recorder
	config   Config
	now      func() time.Time
	log      *slog.Logger
}

type Option func(*Job)

func WithConfig(cfg Config) Option {
	return func(j *Job) {
		if cfg.GracePeriod > 0 {
			j.config.GracePeriod = cfg.GracePeriod
		}
		if cfg.RenewalGrace >= 0 {
			j.config.RenewalGrace = cfg.RenewalGrace
		}
		if cfg.PageSize > 0 {
			j.config.PageSize = cfg.PageSize
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(j *Job) { j.notifier = n }
}

func WithMetrics(m Recorder) Option {
	return func(j *Job) { j.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(j *Job) {
		if now != nil {
			j.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(j *Job) {
		if l != nil {
			j.log = l
		}
	}
}

func New(subs Subscriptions, enforcer Enforcer, orgs directory.Organizations, opts ...Option) *Job {
	if subs == nil || enforcer == nil || orgs == nil {
		panic("sweeper: subscriptions, enforcer and organizations are required")
	}
	j := &Job{
		subs:     subs,
		enforcer: enforcer,
		orgs:     orgs,
		config:   DefaultConfig(),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.log = j.log.With(logger.Component("sweeper"))
	return j
}

// run carries per-run state between sections.
type run struct {
	summary  Summary
	notified map[uuid.UUID]bool
	now      time.Time
}

// Run executes every section once and never fails as a whole; problems are
// collected in Summary.Errors.
func (j *Job) Run(ctx context.Context) Summary {
	r := &run{notified: make(map[uuid.UUID]bool), now: j.now().UTC()}
	r.summary.StartedAt = r.now
	r.summary.Errors = []string{}

	j.section(ctx, r, SectionTrials, j.expireTrials)
	j.section(ctx, r, SectionGrace, j.expireGrace)
	j.section(ctx, r, SectionLapsed, j.expireLapsed)
	j.section(ctx, r, SectionDisplay, j.syncDisplay)

	r.summary.FinishedAt = j.now().UTC()
	level := slog.LevelInfo
	if r.summary.Failed() {
		level = slog.LevelWarn
	}
	j.log.Log(ctx, level, "reconciliation finished",
		slog.Int("trials_expired", r.summary.TrialsExpired),
		slog.Int("grace_expired", r.summary.GraceExpired),
		slog.Int("subscriptions_expired", r.summary.SubscriptionsExpired),
		slog.Int("resources_trimmed", r.summary.ResourcesTrimmed),
		slog.Int("display_synced", r.summary.DisplaySynced),
		slog.Int("errors", len(r.summary.Errors)),
	)
	return r.summary
}

// RunScheduled adapts Run to the scheduler job signature.
func (j *Job) RunScheduled(ctx context.Context) error {
	s := j.Run(ctx)
	if !s.Failed() {
		return nil
	}
	return fmt.Errorf("%w: %d errors", ErrIncomplete, len(s.Errors))
}

type sectionFunc func(ctx context.Context, r *run) (processed int, errs []error)

func (j *Job) section(ctx context.Context, r *run, name string, fn sectionFunc) {
	var (
		processed int
		errs      []error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				errs = append(errs, fmt.Errorf("panic: %v", rec))
			}
		}()
		processed, errs = fn(ctx, r)
	}()

	for _, err := range errs {
		r.summary.Errors = append(r.summary.Errors, name+": "+err.Error())
		j.log.ErrorContext(ctx, "reconciliation section error", logger.Section(name), logger.Error(err))
	}
	if j.metrics != nil {
		j.metrics.SweepProcessed(name, processed)
		j.metrics.SweepFailed(name, len(errs))
	}
}

func (j *Job) expireTrials(ctx context.Context, r *run) (int, []error) {
	rows, err := j.subs.ListExpiredInternalTrials(ctx)
	if err != nil {
		return 0, []error{err}
	}

	var errs []error
	for _, cur := range rows {
		starter := subscription.StarterFields(cur.OrganizationID, r.now)
		changes := subscription.Changes{
			Plan:               &starter.Plan,
			Period:             &starter.Period,
			CurrentPeriodStart: &starter.CurrentPeriodStart,
			CurrentPeriodEnd:   &starter.CurrentPeriodEnd,
			ClearTrialEndsAt:   true,
			IsTrial:            ptr(false),
			IsInternalTrial:    ptr(false),
		}
		if cur.Status != subscription.StatusActive {
			changes.Status = &starter.Status
		}
		if _, err := j.subs.Transition(ctx, cur, changes, subscription.TriggeredByCronJob,
			subscription.WithEventType(subscription.EventTrialEnded),
			subscription.WithDetails("internal trial ended")); err != nil {
			errs = append(errs, orgErr(cur.OrganizationID, err))
			continue
		}
		r.summary.TrialsExpired++

		res, err := j.enforcer.Enforce(ctx, cur.OrganizationID, catalog.StarterLimits(), subscription.TriggeredByCronJob)
		r.summary.ResourcesTrimmed += res.Total()
		if err != nil {
			errs = append(errs, orgErr(cur.OrganizationID, err))
		}

		j.notify(ctx, r, cur.OrganizationID, func(to notify.Recipient) error {
			return j.notifier.TrialEnded(ctx, to)
		})
	}
	return len(rows), errs
}

func (j *Job) expireGrace(ctx context.Context, r *run) (int, []error) {
	rows, err := j.subs.ListGraceExpired(ctx, r.now.Add(-j.config.GracePeriod))
	if err != nil {
		return 0, []error{err}
	}

	var errs []error
	cancelled := subscription.StatusCancelled
	for _, cur := range rows {
		if _, err := j.subs.Transition(ctx, cur, subscription.Changes{Status: &cancelled}, subscription.TriggeredByCronJob,
			subscription.WithEventType(subscription.EventCancelled),
			subscription.WithDetails("payment grace period expired")); err != nil {
			errs = append(errs, orgErr(cur.OrganizationID, err))
			continue
		}
		r.summary.GraceExpired++

		failedAt := r.now
		if cur.PaymentFailedAt != nil {
			failedAt = *cur.PaymentFailedAt
		}
		j.notify(ctx, r, cur.OrganizationID, func(to notify.Recipient) error {
			return j.notifier.GraceExpired(ctx, to, failedAt)
		})
	}
	return len(rows), errs
}

// expireLapsed trims to starter caps before marking the row expired, so a
// failed trim is retried on the next run.
func (j *Job) expireLapsed(ctx context.Context, r *run) (int, []error) {
	rows, err := j.subs.ListLapsed(ctx, r.now.Add(-j.config.RenewalGrace))
	if err != nil {
		return 0, []error{err}
	}

	var errs []error
	expired := subscription.StatusExpired
	for _, cur := range rows {
		res, err := j.enforcer.Enforce(ctx, cur.OrganizationID, catalog.StarterLimits(), subscription.TriggeredByCronJob)
		r.summary.ResourcesTrimmed += res.Total()
		if err != nil {
			errs = append(errs, orgErr(cur.OrganizationID, err))
			continue
		}

		if _, err := j.subs.Transition(ctx, cur, subscription.Changes{Status: &expired}, subscription.TriggeredByCronJob,
			subscription.WithEventType(subscription.EventStatusChanged),
			subscription.WithDetails("subscription lapsed")); err != nil {
			errs = append(errs, orgErr(cur.OrganizationID, err))
			continue
		}
		r.summary.SubscriptionsExpired++

		j.notify(ctx, r, cur.OrganizationID, func(to notify.Recipient) error {
			return j.notifier.SubscriptionExpired(ctx, to)
		})
	}
	return len(rows), errs
}

func (j *Job) syncDisplay(ctx context.Context, r *run) (int, []error) {
	var (
		errs      []error
		processed int
		after     = uuid.Nil
	)
	for {
		orgs, err := j.orgs.ListOrganizations(ctx, after, j.config.PageSize)
		if err != nil {
			return processed, append(errs, err)
		}
		for _, org := range orgs {
			outcome, err := j.subs.SyncDisplayName(ctx, org.ID, org.Name)
			if err != nil {
				errs = append(errs, orgErr(org.ID, err))
				continue
			}
			processed++
			switch outcome {
			case subscription.SyncOverwritten:
				r.summary.DisplaySynced++
			case subscription.SyncPreserved:
				r.summary.DisplayPreserved++
			}
		}
		if len(orgs) < j.config.PageSize {
			return processed, errs
		}
		after = orgs[len(orgs)-1].ID
	}
}

// notify sends at most one message per organization per run. Delivery is
// best effort.
func (j *Job) notify(ctx context.Context, r *run, orgID uuid.UUID, send func(notify.Recipient) error) {
	if j.notifier == nil || r.notified[orgID] {
		return
	}
	org, err := j.orgs.GetOrganization(ctx, orgID)
	if err != nil || org.ContactEmail == "" {
		j.log.WarnContext(ctx, "no contact to notify", logger.OrganizationID(orgID.String()), logger.Error(err))
		return
	}
	r.notified[orgID] = true
	if err := send(notify.Recipient{Email: org.ContactEmail, OrganizationName: org.Name}); err != nil {
		j.log.WarnContext(ctx, "notification not queued", logger.OrganizationID(orgID.String()), logger.Error(err))
	}
}

func orgErr(orgID uuid.UUID, err error) error {
	return fmt.Errorf("org %s: %w", orgID, err)
}

func ptr[T any](v T) *T { return &v }
