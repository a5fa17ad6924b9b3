// Package payments wraps the Stripe SDK behind the credit service's
// gateway interface so the recharge coordinator never touches provider
// types directly.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"firmalex.io/internal/credits"
)

// StripeGateway implements credits.Gateway against the Stripe API.
type StripeGateway struct {
	api       *client.API
	returnURL string
}

var _ credits.Gateway = (*StripeGateway)(nil)

func NewStripeGateway(apiKey, returnURL string) *StripeGateway {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeGateway{api: api, returnURL: returnURL}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, req credits.IntentRequest) (credits.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(uuid.NewString()),
		},
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return credits.Intent{}, fmt.Errorf("create payment intent: %w", err)
	}
	return toIntent(pi), nil
}

func (g *StripeGateway) ConfirmIntent(ctx context.Context, intentID, paymentMethodRef string) (credits.Intent, error) {
	params := &stripe.PaymentIntentConfirmParams{
		Params:        stripe.Params{Context: ctx},
		PaymentMethod: stripe.String(paymentMethodRef),
	}
	if g.returnURL != "" {
		params.ReturnURL = stripe.String(g.returnURL)
	}
	pi, err := g.api.PaymentIntents.Confirm(intentID, params)
	if err != nil {
		return credits.Intent{}, fmt.Errorf("confirm payment intent: %w", err)
	}
	return toIntent(pi), nil
}

func toIntent(pi *stripe.PaymentIntent) credits.Intent {
	return credits.Intent{
		ID:           pi.ID,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
	}
}

// EventParser turns raw Stripe webhook bodies into settlement events.
// When a signing secret is configured the payload signature is verified;
// without one the payload is trusted as-is (local development only).
type EventParser struct {
	secret string
}

func NewEventParser(secret string) *EventParser { return &EventParser{secret: secret} }

// Parse returns the settlement carried by the payload, or ok=false when the
// event is of a type this service does not settle on.
func (p *EventParser) Parse(payload []byte, signatureHeader string) (credits.SettlementEvent, bool, error) {
	var event stripe.Event
	if p.secret != "" {
		verified, err := webhook.ConstructEvent(payload, signatureHeader, p.secret)
		if err != nil {
			return credits.SettlementEvent{}, false, fmt.Errorf("verify webhook signature: %w", err)
		}
		event = verified
	} else if err := json.Unmarshal(payload, &event); err != nil {
		return credits.SettlementEvent{}, false, fmt.Errorf("decode webhook event: %w", err)
	}

	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		return credits.SettlementEvent{}, false, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return credits.SettlementEvent{}, false, fmt.Errorf("decode payment intent: %w", err)
	}

	orgID := pi.Metadata["organization_id"]
	orderID := pi.Metadata["order_id"]
	if orgID == "" || orderID == "" {
		return credits.SettlementEvent{}, false, fmt.Errorf("payment intent %s missing settlement metadata", pi.ID)
	}
	creditsGranted, err := strconv.ParseInt(pi.Metadata["credits"], 10, 64)
	if err != nil {
		return credits.SettlementEvent{}, false, fmt.Errorf("payment intent %s: invalid credits metadata: %w", pi.ID, err)
	}

	return credits.SettlementEvent{
		OrganizationID:  orgID,
		OrderID:         orderID,
		PaymentIntentID: pi.ID,
		Credits:         creditsGranted,
	}, true, nil
}
