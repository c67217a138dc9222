package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"rentals-server/config"
	"rentals-server/logging"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

var ErrMailDisabled = errors.New("smtp is not configured")

// MailMessage is a plain-text email.
type MailMessage struct {
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, msg MailMessage) error
}

// Mail is the mailer used by the notification fan-out.
var Mail Mailer = disabledMailer{}

// SMTPMailer sends through an authenticated SMTP relay.
type SMTPMailer struct {
	host     string
	port     string
	username string
	password string
	from     string
}

func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	return &SMTPMailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.SenderEmail,
	}
}

// InitializeMailer installs the SMTP mailer when a host is configured.
func InitializeMailer(cfg *config.Config) {
	if !cfg.SMTPEnabled() {
		logging.Log.Warn("SMTP_HOST not set, email delivery disabled")
		Mail = disabledMailer{}
		return
	}
	Mail = NewSMTPMailer(cfg)
}

func (m *SMTPMailer) Send(ctx context.Context, msg MailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := email.NewEmail()
	e.From = m.from
	e.To = []string{msg.To}
	e.Subject = msg.Subject
	e.Text = []byte(msg.Body)

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	if err := e.Send(net.JoinHostPort(m.host, m.port), auth); err != nil {
		logging.Log.WithFields(logrus.Fields{"to": msg.To, "subject": msg.Subject}).WithError(err).Error("email send failed")
		return fmt.Errorf("send email: %w", err)
	}

	logging.Log.WithFields(logrus.Fields{"to": msg.To, "subject": msg.Subject}).Info("email sent")
	return nil
}

type disabledMailer struct{}

func (disabledMailer) Send(context.Context, MailMessage) error { return ErrMailDisabled }
