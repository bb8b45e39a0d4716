package email_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/email"
)

func TestSendEmailParams_Validate(t *testing.T) {
	t.Parallel()

	valid := email.SendEmailParams{SendTo: "owner@acme.test", Subject: "Trial ended", BodyHTML: "<p>hi</p>"}

	tests := []struct {
		name   string
		mutate func(p *email.SendEmailParams)
		errMsg string
	}{
		{"valid", func(*email.SendEmailParams) {}, ""},
		{"empty recipient", func(p *email.SendEmailParams) { p.SendTo = "  " }, "SendTo is required"},
		{"malformed recipient", func(p *email.SendEmailParams) { p.SendTo = "owner-at-acme" }, "valid email"},
		{"empty subject", func(p *email.SendEmailParams) { p.Subject = "" }, "Subject is required"},
		{"empty body", func(p *email.SendEmailParams) { p.BodyHTML = "" }, "BodyHTML is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, email.ErrInvalidParams)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDevSender(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sender := email.NewDevSender(dir)

	err := sender.SendEmail(context.Background(), email.SendEmailParams{
		SendTo:   "owner@acme.test",
		Subject:  "Your grace period ended",
		BodyHTML: "<p>Your subscription was cancelled.</p>",
		Tag:      "grace-expired",
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var metaPath string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			metaPath = filepath.Join(dir, e.Name())
		}
		assert.Contains(t, e.Name(), "grace-expired")
	}
	raw, err := os.ReadFile(metaPath)
	require.NoError(t, err)

	var meta map[string]string
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, "owner@acme.test", meta["send_to"])

	assert.ErrorIs(t, sender.SendEmail(context.Background(), email.SendEmailParams{}), email.ErrInvalidParams)
}

func TestNewSender(t *testing.T) {
	t.Parallel()

	s, err := email.NewSender(email.Config{DevOutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &email.DevSender{}, s)

	_, err = email.NewSender(email.Config{
		PostmarkServerToken:  "server",
		PostmarkAccountToken: "account",
		SenderEmail:          "not-an-address",
		SupportEmail:         "support@acme.test",
	})
	assert.ErrorIs(t, err, email.ErrInvalidConfig)

	s, err = email.NewSender(email.Config{
		PostmarkServerToken:  "server",
		PostmarkAccountToken: "account",
		SenderEmail:          "billing@acme.test",
		SupportEmail:         "support@acme.test",
	})
	require.NoError(t, err)
	assert.NotNil(t, s)
}
