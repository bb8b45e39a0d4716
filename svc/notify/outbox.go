// Package notify delivers billing notifications after the state change that
// caused them has been committed. Delivery is best effort.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/billingcore/pkg/email"
	"github.com/dmitrymomot/billingcore/pkg/logger"
)

var (
	ErrDeliveryFailed = errors.New("notification delivery failed")
	ErrOutboxClosed   = errors.New("notification outbox closed")
	ErrOutboxFull     = errors.New("notification outbox full")
)

// Outbox queues messages in memory and sends them from a single worker, so
// callers never wait on the mail provider.
type Outbox struct {
	sender email.EmailSender
	log    *slog.Logger
	queue  chan email.SendEmailParams

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type Option func(*Outbox)

func WithLogger(l *slog.Logger) Option {
	return func(o *Outbox) {
		if l != nil {
			o.log = l
		}
	}
}

// WithBuffer sets the queue capacity. Defaults to 256.
func WithBuffer(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.queue = make(chan email.SendEmailParams, n)
		}
	}
}

// NewOutbox starts the delivery worker. Call Close to drain it.
func NewOutbox(sender email.EmailSender, opts ...Option) *Outbox {
	if sender == nil {
		panic("notify: email sender is required")
	}
	o := &Outbox{
		sender: sender,
		log:    slog.Default(),
		queue:  make(chan email.SendEmailParams, 256),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(logger.Component("notify"))
	go o.run()
	return o
}

// Enqueue schedules a message. It never blocks; a full or closed outbox
// drops the message and reports why.
func (o *Outbox) Enqueue(ctx context.Context, msg email.SendEmailParams) error {
	if err := msg.Validate(); err != nil {
		o.log.WarnContext(ctx, "notification dropped", slog.String("tag", msg.Tag), logger.Error(err))
		return errors.Join(ErrDeliveryFailed, err)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.queue <- msg:
		return nil
	default:
		o.log.WarnContext(ctx, "notification dropped", slog.String("tag", msg.Tag), logger.Error(ErrOutboxFull))
		return ErrOutboxFull
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for msg := range o.queue {
		o.deliver(msg)
	}
}

func (o *Outbox) deliver(msg email.SendEmailParams) {
	ctx := context.Background()
	if err := o.sender.SendEmail(ctx, msg); err != nil {
		o.log.LogAttrs(ctx, slog.LevelWarn, "notification delivery failed",
			slog.String("tag", msg.Tag),
			logger.Error(err),
		)
		return
	}
	o.log.LogAttrs(ctx, slog.LevelDebug, "notification sent", slog.String("tag", msg.Tag))
}

// Close stops accepting messages and waits until queued ones are sent or ctx
// ends. Safe to call more than once.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
