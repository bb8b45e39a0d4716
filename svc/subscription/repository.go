package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReplaceFunc builds the new canonical row and its ledger entry from the
// organization's previous row, which is nil for a first subscription.
type ReplaceFunc func(prev *Subscription) (Subscription, ActivityEntry, error)

// Repository persists subscription rows and the activity ledger. An
// organization owns at most one row; every method that writes a row also
// writes its ledger entry in the same transaction.
type Repository interface {
	// FindCanonical returns the newest active or trialing row.
	FindCanonical(ctx context.Context, orgID uuid.UUID) (*Subscription, error)
	// FindLatest returns the organization's row in any status.
	FindLatest(ctx context.Context, orgID uuid.UUID) (*Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// Replace supersedes every row of the organization with the one built by
	// fn. The previous row is read under lock.
	Replace(ctx context.Context, orgID uuid.UUID, fn ReplaceFunc) error
	// Update stores next if the row still carries expectedVersion, otherwise
	// it fails with ErrConcurrentUpdate. A nil entry writes no ledger record.
	Update(ctx context.Context, next Subscription, expectedVersion int64, entry *ActivityEntry) error

	AppendActivity(ctx context.Context, entry ActivityEntry) error
	ListActivity(ctx context.Context, orgID uuid.UUID, limit int) ([]ActivityEntry, error)

	// ListExpiredInternalTrials returns canonical internal trials whose trial
	// ended before now.
	ListExpiredInternalTrials(ctx context.Context, now time.Time) ([]Subscription, error)
	// ListGraceExpired returns past_due rows whose payment failed before the
	// cutoff.
	ListGraceExpired(ctx context.Context, before time.Time) ([]Subscription, error)
	// ListLapsed returns cancelled rows plus paid canonical rows whose period
	// ended before the cutoff.
	ListLapsed(ctx context.Context, before time.Time) ([]Subscription, error)
	// ListCanonical pages through canonical rows ordered by organization id.
	ListCanonical(ctx context.Context, after uuid.UUID, limit int) ([]Subscription, error)
}
