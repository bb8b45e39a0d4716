package subscription

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/logger"
)

// SyncOutcome describes what a display sync did with a row.
type SyncOutcome string

const (
	SyncOverwritten    SyncOutcome = "overwritten"
	SyncPreserved      SyncOutcome = "preserved manual update"
	SyncUnchanged      SyncOutcome = "unchanged"
	SyncNoSubscription SyncOutcome = "no subscription"
)

// SetDisplayName records a manual edit of the mirrored organization name.
// Billing fields are untouched and no ledger entry is written.
func (s *Service) SetDisplayName(ctx context.Context, orgID uuid.UUID, name string, by TriggeredBy) (*Subscription, error) {
	cur, err := s.Latest(ctx, orgID)
	if err != nil {
		return nil, err
	}
	next := s.withDisplayName(*cur, name, by)
	if err := s.repo.Update(ctx, next, cur.Version, nil); err != nil {
		return nil, storeErr(err)
	}
	return &next, nil
}

// SyncDisplayName mirrors name into the row unless another actor edited the
// display fields within the manual-edit window.
func (s *Service) SyncDisplayName(ctx context.Context, orgID uuid.UUID, name string) (SyncOutcome, error) {
	cur, err := s.repo.FindLatest(ctx, orgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SyncNoSubscription, nil
		}
		return "", storeErr(err)
	}
	if cur.OrganizationName == name {
		return SyncUnchanged, nil
	}
	if s.isProtected(*cur) {
		s.log.DebugContext(ctx, "display sync skipped",
			logger.OrganizationID(orgID.String()),
			logger.TriggeredBy(string(cur.DisplayUpdatedBy)),
		)
		return SyncPreserved, nil
	}

	next := s.withDisplayName(*cur, name, TriggeredByCronJob)
	if err := s.repo.Update(ctx, next, cur.Version, nil); err != nil {
		return "", storeErr(err)
	}
	return SyncOverwritten, nil
}

// isProtected reports whether a person edited the display fields within the
// manual-edit window.
func (s *Service) isProtected(sub Subscription) bool {
	if sub.DisplayUpdatedAt == nil {
		return false
	}
	if sub.DisplayUpdatedBy != TriggeredByCustomer && sub.DisplayUpdatedBy != TriggeredByAdmin {
		return false
	}
	return s.clock().Sub(*sub.DisplayUpdatedAt) < s.editWindow
}

func (s *Service) withDisplayName(cur Subscription, name string, by TriggeredBy) Subscription {
	now := s.clock()
	next := *clone(cur)
	next.OrganizationName = name
	next.DisplayUpdatedAt = &now
	next.DisplayUpdatedBy = by
	next.UpdatedAt = now
	next.Version = cur.Version + 1
	return next
}
