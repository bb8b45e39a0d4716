package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/billingcore/svc/billing"
)

func TestValidationError(t *testing.T) {
	t.Parallel()

	ve := billing.NewValidationError()
	assert.True(t, ve.IsEmpty())
	assert.Equal(t, "validation failed", ve.Error())

	ve.Add("user_id", "is required")
	ve.Add("plan", "is required")
	ve.Add("plan", "must be one of starter, growth, scale")

	assert.False(t, ve.IsEmpty())
	assert.True(t, ve.Has("plan"))
	assert.False(t, ve.Has("period"))
	assert.Equal(t, "is required", ve.Get("plan"))
	assert.Equal(t, []string{"plan", "user_id"}, ve.Fields())
	assert.Equal(t, "validation error: plan: is required, user_id: is required", ve.Error())
}
