package app

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/mail"
	"strings"
	texttemplate "text/template"

	"github.com/sosmoto/sosmoto-service/internal/cache"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/pkg/mailer"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

var ErrUnknownTemplate = errors.New("unknown email template")

var emailSubjects = map[domain.EmailTemplate]string{
	domain.TemplateConfirmation: "Seu perfil SOS Moto está ativo",
	domain.TemplateFailure:      "Problema na ativação do seu perfil SOS Moto",
	domain.TemplateWelcome:      "Bem-vindo ao SOS Moto",
	domain.TemplateReminder:     "Conclua o pagamento do seu perfil SOS Moto",
}

type emailTemplate struct {
	subject string
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

func loadEmailTemplates() (map[domain.EmailTemplate]emailTemplate, error) {
	templates := make(map[domain.EmailTemplate]emailTemplate, len(emailSubjects))
	for name, subject := range emailSubjects {
		html, err := htmltemplate.ParseFS(templateFS, "templates/"+string(name)+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s html template: %w", name, err)
		}
		text, err := texttemplate.ParseFS(templateFS, "templates/"+string(name)+".txt")
		if err != nil {
			return nil, fmt.Errorf("parse %s text template: %w", name, err)
		}
		templates[name] = emailTemplate{
			subject: subject,
			html:    html.Option("missingkey=zero"),
			text:    text.Option("missingkey=zero"),
		}
	}
	return templates, nil
}

// Notifier runs send_email jobs.
type Notifier struct {
	mailer    Mailer
	claims    EmailClaims
	templates map[domain.EmailTemplate]emailTemplate
	logger    *slog.Logger
}

func NewNotifier(m Mailer, claims EmailClaims, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	templates, err := loadEmailTemplates()
	if err != nil {
		return nil, err
	}
	return &Notifier{
		mailer:    m,
		claims:    claims,
		templates: templates,
		logger:    logger.With("component", "notifier"),
	}, nil
}

// Render builds the message for payload without sending it.
func (n *Notifier) Render(payload domain.SendEmailPayload) (mailer.Message, error) {
	tmpl, ok := n.templates[payload.Template]
	if !ok {
		return mailer.Message{}, domain.Invalid("render email", fmt.Errorf("%w: %q", ErrUnknownTemplate, payload.Template))
	}
	data := payload.TemplateData
	if data == nil {
		data = map[string]string{}
	}

	var html, text bytes.Buffer
	if err := tmpl.html.Execute(&html, data); err != nil {
		return mailer.Message{}, domain.Invalid("render email", err)
	}
	if err := tmpl.text.Execute(&text, data); err != nil {
		return mailer.Message{}, domain.Invalid("render email", err)
	}

	tags := map[string]string{"template": string(payload.Template)}
	if payload.PaymentID != "" {
		tags["payment_id"] = payload.PaymentID
	}
	return mailer.Message{
		To:      payload.Recipient,
		Subject: tmpl.subject,
		HTML:    html.String(),
		Text:    text.String(),
		Tags:    tags,
	}, nil
}

// Send runs one send_email job. A Redis claim on the dedup key keeps a
// redelivered job from mailing twice; if Redis is down the email is sent
// anyway.
func (n *Notifier) Send(ctx context.Context, job domain.Job) error {
	var payload domain.SendEmailPayload
	if err := job.DecodePayload(&payload); err != nil {
		return err
	}
	payload.Recipient = strings.TrimSpace(payload.Recipient)
	if _, err := mail.ParseAddress(payload.Recipient); err != nil {
		return domain.Invalid("send email", fmt.Errorf("recipient %q: %w", payload.Recipient, err))
	}
	msg, err := n.Render(payload)
	if err != nil {
		return err
	}

	logger := n.logger.With("correlation_id", job.CorrelationID, "payment_id", payload.PaymentID, "profile_id", payload.ProfileID, "template", payload.Template)
	dedupKey := firstNonEmpty(job.DedupKey, job.ID)

	claimed := false
	if n.claims != nil {
		ok, err := n.claims.ClaimEmail(ctx, dedupKey, cache.EmailClaimTTL)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "email claim unavailable; sending without dedup", "error", err)
		case !ok:
			logger.InfoContext(ctx, "email already sent; skipping", "dedup_key", dedupKey)
			return nil
		default:
			claimed = true
		}
	}

	messageID, err := n.mailer.Send(ctx, msg)
	if err != nil {
		if claimed {
			if releaseErr := n.claims.ReleaseEmail(ctx, dedupKey); releaseErr != nil {
				logger.WarnContext(ctx, "failed to release email claim", "error", releaseErr)
			}
		}
		logger.ErrorContext(ctx, "failed to send email", "retry_count", job.RetryCount, "error", err)
		return classify("send email", err)
	}
	logger.InfoContext(ctx, "email sent", "message_id", messageID)
	return nil
}
