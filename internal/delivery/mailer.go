package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/skip2/go-qrcode"

	"rollcall/internal/attendance"
)

// ErrNoRecipient is returned for students without an email address.
var ErrNoRecipient = errors.New("student has no email address")

// Sender is the part of the Resend client the mailer needs.
type Sender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Mailer emails each student their code together with a QR image of the
// check-in payload.
type Mailer struct {
	sender Sender
	from   string
	qrSize int
	now    func() time.Time
}

// NewMailer creates a Resend-backed mailer.
func NewMailer(apiKey, from string) (*Mailer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("resend API key is required")
	}
	if from == "" {
		return nil, fmt.Errorf("from email is required")
	}
	return NewMailerWithSender(resend.NewClient(apiKey).Emails, from), nil
}

// NewMailerWithSender creates a mailer over any Sender.
func NewMailerWithSender(sender Sender, from string) *Mailer {
	return &Mailer{
		sender: sender,
		from:   from,
		qrSize: 256,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Deliver implements attendance.Deliverer.
func (m *Mailer) Deliver(ctx context.Context, d attendance.Delivery) error {
	if d.Email == "" {
		return ErrNoRecipient
	}
	png, err := qrcode.Encode(d.QRPayload, qrcode.Medium, m.qrSize)
	if err != nil {
		return fmt.Errorf("render qr: %w", err)
	}
	html, err := renderCode(d, m.now())
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	sent, err := m.sender.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{d.Email},
		Subject: "Your attendance code",
		Html:    html,
		Attachments: []*resend.Attachment{{
			Content:  png,
			Filename: "checkin-qr.png",
		}},
	})
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	log.Printf("delivery: code for %s sent to %s (id %s)", d.StudentID, d.Email, sent.Id)
	return nil
}

var codeTemplate = template.Must(template.New("code").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif">
  <p>Hi {{.Name}},</p>
  <p>Attendance is open for course <strong>{{.CourseID}}</strong>.</p>
  <p style="font-size: 28px; letter-spacing: 6px"><strong>{{.Code}}</strong></p>
  <p>You can also scan the attached QR code. It expires at {{.Expires}} UTC ({{.Remaining}} from now).</p>
</body>
</html>`))

func renderCode(d attendance.Delivery, now time.Time) (string, error) {
	name := d.Name
	if name == "" {
		name = d.StudentID
	}
	var buf bytes.Buffer
	err := codeTemplate.Execute(&buf, struct {
		Name, CourseID, Code, Expires string
		Remaining                     time.Duration
	}{
		Name:      name,
		CourseID:  d.CourseID,
		Code:      d.Code,
		Expires:   d.ExpiresAt.UTC().Format("15:04:05"),
		Remaining: d.ExpiresAt.Sub(now).Round(time.Second),
	})
	return buf.String(), err
}
