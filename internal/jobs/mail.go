package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/wneessen/go-mail"

	"github.com/aatumaykin/eventengine/internal/constants"
)

// Mail is one outgoing email. Username/Password authenticate against the relay.
type Mail struct {
	From     string
	To       string
	Subject  string
	HTML     string
	Text     string
	Username string
	Password string
}

// Mailer delivers a Mail.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// SMTPConfig represents the mail relay settings.
type SMTPConfig struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// SMTPMailer sends mail over SMTP with mandatory STARTTLS.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates a mailer for cfg.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Host == "" {
		cfg.Host = constants.DefaultSMTPHost
	}
	if cfg.Port == 0 {
		cfg.Port = constants.DefaultSMTPPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultSMTPTimeoutSeconds * time.Second
	}
	return &SMTPMailer{cfg: cfg}
}

// Send dials the relay, authenticates and delivers m.
func (s *SMTPMailer) Send(ctx context.Context, m Mail) error {
	msg, err := buildMessage(m)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(s.cfg.Host,
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.Username),
		mail.WithPassword(m.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTimeout(s.cfg.Timeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail to %s via %s:%d: %w", m.To, s.cfg.Host, s.cfg.Port, err)
	}
	return nil
}

// buildMessage assembles a multipart/alternative message: plain text first, HTML preferred.
func buildMessage(m Mail) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("%w: sender %q: %v", ErrInvalidParam, m.From, err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("%w: receiver %q: %v", ErrInvalidParam, m.To, err)
	}
	msg.Subject(m.Subject)

	text := m.Text
	if text == "" {
		text = htmlToText(m.HTML)
	}
	msg.SetBodyString(mail.TypeTextPlain, text)
	if m.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTML)
	}
	return msg, nil
}

// htmlToText renders the plain-text alternative of an HTML mail as markdown.
func htmlToText(html string) string {
	opts := &md.Options{
		HeadingStyle:    "atx",
		EmDelimiter:     "*",
		StrongDelimiter: "**",
	}

	converter := md.NewConverter("", true, opts)

	converter.AddRules(md.Rule{
		Filter: []string{"style", "script", "head"},
		Replacement: func(content string, selec *goquery.Selection, opt *md.Options) *string {
			return new("")
		},
	})

	text, err := converter.ConvertString(html)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
