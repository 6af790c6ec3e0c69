package jobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/logger"
)

const defaultProduct = "our service"

// credentials are the sender fields shared by the email events.
type credentials struct {
	sender   string
	receiver string
	password string
}

func credentialParams(params map[string]any) (credentials, error) {
	var c credentials
	var err error
	if c.sender, err = emailParam(params, "sender_email"); err != nil {
		return c, err
	}
	if c.receiver, err = emailParam(params, "receiver_email"); err != nil {
		return c, err
	}
	// пароль не нормализуем и не обрезаем
	pw, ok := params["password"].(string)
	if !ok || pw == "" {
		return c, fmt.Errorf("%w: password", ErrMissingParam)
	}
	c.password = pw
	return c, nil
}

// VerificationEmailJob handles SEND_VERIFICATION_EMAIL.
type VerificationEmailJob struct {
	mailer   Mailer
	activity ActivityRecorder
	logger   *logger.Logger
	product  string
}

// NewVerificationEmailJob creates the handler.
func NewVerificationEmailJob(deps Deps) *VerificationEmailJob {
	product := deps.Product
	if product == "" {
		product = defaultProduct
	}
	return &VerificationEmailJob{
		mailer:   deps.Mailer,
		activity: deps.Activity,
		logger:   deps.Logger,
		product:  product,
	}
}

// Handle expects sender_email, receiver_email, password and verification_code.
func (j *VerificationEmailJob) Handle(ctx context.Context, params map[string]any) error {
	creds, err := credentialParams(params)
	if err != nil {
		return err
	}
	code, err := stringParam(params, "verification_code")
	if err != nil {
		return err
	}

	html, err := render(verificationTmpl, verificationData{Product: j.product, Code: code})
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Hi,\n\nYour email verification code for %s is %s.\n\nThank you!\n", j.product, code)

	if err := j.mailer.Send(ctx, Mail{
		From:     creds.sender,
		To:       creds.receiver,
		Subject:  verificationSubject,
		HTML:     html,
		Text:     text,
		Username: creds.sender,
		Password: creds.password,
	}); err != nil {
		return err
	}

	// только после успешной отправки
	if err := recordActivity(ctx, j.activity, constants.EventSendVerificationEmail, creds.receiver); err != nil {
		return err
	}

	j.logger.InfoCtx(ctx, "verification email sent",
		logger.Field{Key: "receiver", Value: creds.receiver})
	return nil
}

// PasswordResetJob handles SEND_PASSWORD_RESET_LINK.
type PasswordResetJob struct {
	mailer   Mailer
	activity ActivityRecorder
	logger   *logger.Logger
}

// NewPasswordResetJob creates the handler.
func NewPasswordResetJob(deps Deps) *PasswordResetJob {
	return &PasswordResetJob{
		mailer:   deps.Mailer,
		activity: deps.Activity,
		logger:   deps.Logger,
	}
}

// Handle expects sender_email, receiver_email, password, token and reset_url.
func (j *PasswordResetJob) Handle(ctx context.Context, params map[string]any) error {
	creds, err := credentialParams(params)
	if err != nil {
		return err
	}
	token, err := stringParam(params, "token")
	if err != nil {
		return err
	}
	resetURL, err := stringParam(params, "reset_url")
	if err != nil {
		return err
	}

	link, err := resetLink(resetURL, token)
	if err != nil {
		return err
	}

	html, err := render(resetTmpl, resetData{Link: link})
	if err != nil {
		return err
	}
	text := "To reset your password, visit the following link:\n" + link

	if err := j.mailer.Send(ctx, Mail{
		From:     creds.sender,
		To:       creds.receiver,
		Subject:  resetSubject,
		HTML:     html,
		Text:     text,
		Username: creds.sender,
		Password: creds.password,
	}); err != nil {
		return err
	}

	// только после успешной отправки
	if err := recordActivity(ctx, j.activity, constants.EventSendPasswordResetLink, creds.receiver); err != nil {
		return err
	}

	j.logger.InfoCtx(ctx, "password reset email sent",
		logger.Field{Key: "receiver", Value: creds.receiver})
	return nil
}

// resetLink builds <reset_url>/create-new-password/<token>.
func resetLink(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: reset_url must be an absolute http(s) URL: %q", ErrInvalidParam, base)
	}
	return strings.TrimRight(base, "/") + "/create-new-password/" + url.PathEscape(token), nil
}
