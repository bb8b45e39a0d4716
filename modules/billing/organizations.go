package billing

import (
	"errors"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/handler"
	"github.com/dmitrymomot/billingcore/svc/catalog"
	"github.com/dmitrymomot/billingcore/svc/limits"
	"github.com/dmitrymomot/billingcore/svc/subscription"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 200
)

type orgRequest struct {
	OrganizationID uuid.UUID `path:"orgID"`
}

type activityRequest struct {
	OrganizationID uuid.UUID `path:"orgID"`
	Limit          int       `query:"limit"`
}

type limitsResponse struct {
	Limits catalog.Limits          `json:"limits"`
	Checks map[string]limits.Check `json:"checks"`
}

func (m *module) getLimits(ctx handler.Context, req orgRequest) handler.Response {
	if req.OrganizationID == uuid.Nil {
		return handler.JSONError(handler.ErrBadRequest)
	}

	resp := limitsResponse{
		Limits: m.opts.Limits.GetSubscriptionLimits(ctx, req.OrganizationID),
		Checks: make(map[string]limits.Check, 4),
	}
	var errs []error
	for name, check := range map[string]func() (limits.Check, error){
		"team_members": func() (limits.Check, error) { return m.opts.Limits.CheckCanCreateTeamMember(ctx, req.OrganizationID) },
		"admins":       func() (limits.Check, error) { return m.opts.Limits.CheckCanCreateAdmin(ctx, req.OrganizationID) },
		"templates":    func() (limits.Check, error) { return m.opts.Limits.CheckCanCreateTemplate(ctx, req.OrganizationID) },
		"reports":      func() (limits.Check, error) { return m.opts.Limits.CheckCanSubmitReport(ctx, req.OrganizationID) },
	} {
		c, err := check()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resp.Checks[name] = c
	}
	if len(errs) > 0 {
		return m.errorResponse(ctx, errors.Join(errs...))
	}
	return handler.JSON(resp)
}

func (m *module) getUsage(ctx handler.Context, req orgRequest) handler.Response {
	if req.OrganizationID == uuid.Nil {
		return handler.JSONError(handler.ErrBadRequest)
	}
	u, err := m.opts.Limits.GetCurrentUsage(ctx, req.OrganizationID)
	if err != nil {
		return m.errorResponse(ctx, err)
	}
	return handler.JSON(u)
}

func (m *module) listActivity(ctx handler.Context, req activityRequest) handler.Response {
	if req.OrganizationID == uuid.Nil {
		return handler.JSONError(handler.ErrBadRequest)
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultActivityLimit
	case limit > maxActivityLimit:
		limit = maxActivityLimit
	}

	entries, err := m.opts.Activity.ListActivity(ctx, req.OrganizationID, limit)
	if err != nil {
		return m.errorResponse(ctx, err)
	}
	if entries == nil {
		entries = []subscription.ActivityEntry{}
	}
	return handler.JSON(entries, handler.WithJSONMeta(map[string]any{"limit": limit, "count": len(entries)}))
}

func (m *module) cancel(ctx handler.Context, req orgRequest) handler.Response {
	if req.OrganizationID == uuid.Nil {
		return handler.JSONError(handler.ErrBadRequest)
	}
	res, err := m.opts.SelfService.Cancel(ctx, req.OrganizationID)
	if err != nil {
		return m.errorResponse(ctx, err)
	}
	return handler.JSON(res)
}

func (m *module) portal(ctx handler.Context, req orgRequest) handler.Response {
	if req.OrganizationID == uuid.Nil {
		return handler.JSONError(handler.ErrBadRequest)
	}
	link, err := m.opts.SelfService.Portal(ctx, req.OrganizationID)
	if err != nil {
		return m.errorResponse(ctx, err)
	}
	return handler.JSON(link)
}
