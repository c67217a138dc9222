package services

import (
	"context"
	"errors"
	"fmt"
	"rentals-server/config"
	"rentals-server/logging"
	"strconv"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	ErrPaymentsDisabled = errors.New("payments are not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// CheckoutRequest describes one hosted checkout for a single installment.
type CheckoutRequest struct {
	InstallmentID uint
	PlanID        uint
	ReservationID uint
	Amount        int64
	Currency      string
	Description   string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// GatewayEvent is a verified webhook event. Object holds the raw JSON of data.object.
type GatewayEvent struct {
	ID     string
	Type   string
	Object []byte
}

type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	ParseWebhook(payload []byte, signature string) (*GatewayEvent, error)
}

// Gateway is nil when Stripe is not configured.
var Gateway PaymentGateway

type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil), webhookSecret: webhookSecret}
}

func InitializeGateway(cfg *config.Config) {
	if !cfg.StripeEnabled() {
		logging.Log.Warn("STRIPE_SECRET_KEY not set, checkout disabled")
		Gateway = nil
		return
	}
	Gateway = NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
}

func checkoutMetadata(req CheckoutRequest) map[string]string {
	return map[string]string{
		"installment_id":  strconv.FormatUint(uint64(req.InstallmentID), 10),
		"payment_plan_id": strconv.FormatUint(uint64(req.PlanID), 10),
		"reservation_id":  strconv.FormatUint(uint64(req.ReservationID), 10),
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	metadata := checkoutMetadata(req)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(metadata["installment_id"]),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(req.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
					UnitAmount: stripe.Int64(req.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("installment-%d-%s", req.InstallmentID, uuid.NewString()))

	session, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*GatewayEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ev := &GatewayEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil {
		ev.Object = event.Data.Raw
	}
	return ev, nil
}
