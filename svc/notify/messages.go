package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/dmitrymomot/billingcore/pkg/email"
)

// Enqueuer accepts messages for later delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg email.SendEmailParams) error
}

const (
	TagTrialEnded   = "billing-trial-ended"
	TagGraceExpired = "billing-grace-expired"
	TagExpired      = "billing-subscription-expired"
)

var layout = template.Must(template.New("layout").Parse(`<!doctype html>
<html><body style="font-family:sans-serif;line-height:1.5">
<p>Hello {{.OrganizationName}},</p>
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}<p>Questions? Contact <a href="mailto:{{.SupportEmail}}">{{.SupportEmail}}</a>.</p>
</body></html>`))

type page struct {
	OrganizationName string
	Paragraphs       []string
	SupportEmail     string
}

// Notifier renders lifecycle notifications and hands them to an outbox.
type Notifier struct {
	out          Enqueuer
	supportEmail string
}

func NewNotifier(out Enqueuer, supportEmail string) *Notifier {
	if out == nil {
		panic("notify: enqueuer is required")
	}
	return &Notifier{out: out, supportEmail: supportEmail}
}

// Recipient identifies who receives an organization notice.
type Recipient struct {
	Email            string
	OrganizationName string
}

func (n *Notifier) TrialEnded(ctx context.Context, to Recipient) error {
	return n.send(ctx, to, TagTrialEnded, "Your trial has ended",
		"Your trial period has ended and your organization is now on the Starter plan.",
		"Resources beyond the Starter limits have been deactivated. Upgrade at any time to restore them.",
	)
}

func (n *Notifier) GraceExpired(ctx context.Context, to Recipient, failedAt time.Time) error {
	return n.send(ctx, to, TagGraceExpired, "Your subscription has been cancelled",
		fmt.Sprintf("We could not collect payment on %s and the grace period has now ended.", failedAt.UTC().Format("2 January 2006")),
		"Your subscription has been cancelled. Update your payment details and subscribe again to keep your plan.",
	)
}

func (n *Notifier) SubscriptionExpired(ctx context.Context, to Recipient) error {
	return n.send(ctx, to, TagExpired, "Your subscription has expired",
		"Your subscription has expired and your organization now uses the Starter plan limits.",
	)
}

func (n *Notifier) send(ctx context.Context, to Recipient, tag, subject string, paragraphs ...string) error {
	var buf bytes.Buffer
	if err := layout.Execute(&buf, page{
		OrganizationName: to.OrganizationName,
		Paragraphs:       paragraphs,
		SupportEmail:     n.supportEmail,
	}); err != nil {
		return fmt.Errorf("%w: render %s: %v", ErrDeliveryFailed, tag, err)
	}
	return n.out.Enqueue(ctx, email.SendEmailParams{
		SendTo:   to.Email,
		Subject:  subject,
		BodyHTML: buf.String(),
		Tag:      tag,
	})
}
