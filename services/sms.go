package services

import (
	"context"
	"errors"
	"fmt"
	"rentals-server/config"
	"rentals-server/logging"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

var ErrSMSDisabled = errors.New("twilio is not configured")

type SMSSender interface {
	Send(ctx context.Context, to, body string) error
}

// SMS is the sender used by the notification fan-out.
var SMS SMSSender = disabledSMS{}

// TwilioSMS sends messages through the Twilio Messages API.
type TwilioSMS struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSMS(cfg *config.Config) *TwilioSMS {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	return &TwilioSMS{client: client, from: cfg.TwilioFromNumber}
}

func InitializeSMS(cfg *config.Config) {
	if !cfg.TwilioEnabled() {
		logging.Log.Warn("twilio credentials not set, SMS delivery disabled")
		SMS = disabledSMS{}
		return
	}
	SMS = NewTwilioSMS(cfg)
}

// Send expects to in E.164 form.
func (s *TwilioSMS) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		logging.Log.WithField("to", to).WithError(err).Error("sms send failed")
		return fmt.Errorf("send sms: %w", err)
	}

	fields := logrus.Fields{"to": to}
	if resp.Sid != nil {
		fields["sid"] = *resp.Sid
	}
	logging.Log.WithFields(fields).Info("sms sent")
	return nil
}

type disabledSMS struct{}

func (disabledSMS) Send(context.Context, string, string) error { return ErrSMSDisabled }
