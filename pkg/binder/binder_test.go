package binder_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/binder"
)

type checkoutBody struct {
	Plan   string `json:"plan"`
	Period string `json:"period"`
}

func jsonRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	return r
}

func TestJSON(t *testing.T) {
	t.Parallel()

	t.Run("decodes a body", func(t *testing.T) {
		t.Parallel()
		var got checkoutBody
		require.NoError(t, binder.JSON()(jsonRequest(`{"plan":"growth","period":"monthly"}`), &got))
		assert.Equal(t, checkoutBody{Plan: "growth", Period: "monthly"}, got)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		t.Parallel()
		var got checkoutBody
		err := binder.JSON()(jsonRequest(`{"plan":"growth","admin":true}`), &got)
		assert.ErrorIs(t, err, binder.ErrFailedToParseJSON)
	})

	t.Run("rejects trailing data", func(t *testing.T) {
		t.Parallel()
		var got checkoutBody
		err := binder.JSON()(jsonRequest(`{"plan":"growth"}{"plan":"scale"}`), &got)
		assert.ErrorIs(t, err, binder.ErrFailedToParseJSON)
	})

	t.Run("rejects other media types", func(t *testing.T) {
		t.Parallel()
		r := jsonRequest(`plan=growth`)
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		var got checkoutBody
		assert.ErrorIs(t, binder.JSON()(r, &got), binder.ErrUnsupportedMediaType)
	})

	t.Run("enforces the size limit", func(t *testing.T) {
		t.Parallel()
		var got checkoutBody
		err := binder.JSONWithLimit(16)(jsonRequest(`{"plan":"growth","period":"monthly"}`), &got)
		assert.ErrorIs(t, err, binder.ErrFailedToParseJSON)
	})

	t.Run("skips empty bodies", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodPost, "/cancel", http.NoBody)
		var got checkoutBody
		assert.ErrorIs(t, binder.JSON()(r, &got), binder.ErrBinderNotApplicable)
	})
}

type orgRequest struct {
	OrganizationID uuid.UUID `path:"orgID"`
	Limit          int       `query:"limit"`
	Verbose        bool      `query:"verbose"`
	Ignored        string    `query:"-"`
}

func TestPathAndQuery(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	params := map[string]string{"orgID": orgID.String()}
	extract := func(_ *http.Request, name string) string { return params[name] }

	r := httptest.NewRequest(http.MethodGet, "/activity?limit=25&verbose=true&-=x", nil)
	var got orgRequest
	require.NoError(t, binder.Path(extract)(r, &got))
	require.NoError(t, binder.Query()(r, &got))

	assert.Equal(t, orgID, got.OrganizationID)
	assert.Equal(t, 25, got.Limit)
	assert.True(t, got.Verbose)
	assert.Empty(t, got.Ignored)

	t.Run("invalid uuid", func(t *testing.T) {
		t.Parallel()
		bad := func(_ *http.Request, _ string) string { return "not-a-uuid" }
		var req orgRequest
		assert.ErrorIs(t, binder.Path(bad)(r, &req), binder.ErrFailedToParsePath)
	})

	t.Run("invalid int", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodGet, "/activity?limit=many", nil)
		var req orgRequest
		assert.ErrorIs(t, binder.Query()(r, &req), binder.ErrFailedToParseQuery)
	})

	t.Run("non-struct target", func(t *testing.T) {
		t.Parallel()
		var s string
		assert.ErrorIs(t, binder.Query()(r, &s), binder.ErrInvalidTarget)
	})
}
