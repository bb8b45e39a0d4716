package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/email"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/svc/notify"
)

type mockSender struct {
	mock.Mock
	mu   sync.Mutex
	sent []email.SendEmailParams
}

func (m *mockSender) SendEmail(ctx context.Context, p email.SendEmailParams) error {
	args := m.Called(ctx, p)
	m.mu.Lock()
	m.sent = append(m.sent, p)
	m.mu.Unlock()
	return args.Error(0)
}

func TestOutbox_DeliversAndDrains(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	sender.On("SendEmail", mock.Anything, mock.Anything).Return(nil)
	out := notify.NewOutbox(sender, notify.WithLogger(logger.Discard()))
	n := notify.NewNotifier(out, "support@example.com")
	ctx := context.Background()

	require.NoError(t, n.TrialEnded(ctx, notify.Recipient{Email: "owner@example.com", OrganizationName: "Acme & Co"}))
	require.NoError(t, n.GraceExpired(ctx, notify.Recipient{Email: "owner@example.com", OrganizationName: "Acme"}, time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, out.Close(ctx))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, notify.TagTrialEnded, sender.sent[0].Tag)
	assert.Contains(t, sender.sent[0].BodyHTML, "Acme &amp; Co", "names are escaped")
	assert.Contains(t, sender.sent[1].BodyHTML, "20 February 2026")
	assert.Contains(t, sender.sent[1].BodyHTML, "support@example.com")

	assert.ErrorIs(t, out.Enqueue(ctx, sender.sent[0]), notify.ErrOutboxClosed)
	assert.NoError(t, out.Close(ctx), "close is idempotent")
}

func TestOutbox_DeliveryFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	sender := &mockSender{}
	sender.On("SendEmail", mock.Anything, mock.Anything).Return(errors.New("postmark 500")).Once()
	sender.On("SendEmail", mock.Anything, mock.Anything).Return(nil)
	out := notify.NewOutbox(sender, notify.WithLogger(logger.Discard()))
	n := notify.NewNotifier(out, "support@example.com")
	ctx := context.Background()

	require.NoError(t, n.SubscriptionExpired(ctx, notify.Recipient{Email: "a@example.com"}))
	require.NoError(t, n.SubscriptionExpired(ctx, notify.Recipient{Email: "b@example.com"}))
	require.NoError(t, out.Close(ctx))

	assert.Len(t, sender.sent, 2, "a failed send does not stop the worker")
	sender.AssertExpectations(t)
}

func TestOutbox_RejectsInvalidMessages(t *testing.T) {
	t.Parallel()

	out := notify.NewOutbox(&mockSender{}, notify.WithLogger(logger.Discard()))
	defer func() { _ = out.Close(context.Background()) }()

	err := notify.NewNotifier(out, "support@example.com").TrialEnded(context.Background(), notify.Recipient{Email: ""})
	assert.ErrorIs(t, err, notify.ErrDeliveryFailed)
	assert.ErrorIs(t, err, email.ErrInvalidParams)
}

type blockingSender struct{ release chan struct{} }

func (b blockingSender) SendEmail(context.Context, email.SendEmailParams) error {
	<-b.release
	return nil
}

func TestOutbox_FullQueueDrops(t *testing.T) {
	t.Parallel()

	sender := blockingSender{release: make(chan struct{})}
	out := notify.NewOutbox(sender, notify.WithLogger(logger.Discard()), notify.WithBuffer(1))
	msg := email.SendEmailParams{SendTo: "a@example.com", Subject: "s", BodyHTML: "<p>b</p>"}
	ctx := context.Background()

	var full bool
	for range 5 {
		if errors.Is(out.Enqueue(ctx, msg), notify.ErrOutboxFull) {
			full = true
			break
		}
	}
	assert.True(t, full)

	close(sender.release)
	require.NoError(t, out.Close(ctx))
}
