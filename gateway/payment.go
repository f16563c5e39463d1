package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/models/amount"
)

// PaymentSession is the opaque provider object the facade hands to the
// client to complete a charge. The ledger only ever sees the quote id
// come back through the webhook.
type PaymentSession struct {
	ID           string `json:"id"`
	URL          string `json:"url,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// PaymentSessionArgs is what a charge session is opened with. The quote
// id rides along as provider metadata so webhook events can be tied
// back to the quote.
type PaymentSessionArgs struct {
	TopUpQuoteID  string
	PaymentAmount amount.Amount
	Currency      string
}

// PaymentGateway opens charge sessions with the fiat payment provider.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, args PaymentSessionArgs) (PaymentSession, error)
	CreateCheckoutSession(ctx context.Context, args PaymentSessionArgs) (PaymentSession, error)
}

// StripeGateway drives Stripe's HTTP API directly. Only the two session
// shapes the top-up routes need are implemented; dispute and success
// events arrive through the webhook, not through this client.
type StripeGateway struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

var _ PaymentGateway = &StripeGateway{}

// NewStripeGateway builds a gateway with the given secret key. baseURL
// is overridable for tests; pass "" for the real API.
func NewStripeGateway(secretKey string, baseURL string) *StripeGateway {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &StripeGateway{
		secretKey: secretKey,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreatePaymentIntent implements PaymentGateway
func (s *StripeGateway) CreatePaymentIntent(ctx context.Context,
	args PaymentSessionArgs) (PaymentSession, error) {

	form := url.Values{}
	form.Set("amount", args.PaymentAmount.String())
	form.Set("currency", args.Currency)
	form.Set("metadata[topUpQuoteId]", args.TopUpQuoteID)

	return s.post(ctx, "/v1/payment_intents", form)
}

// CreateCheckoutSession implements PaymentGateway
func (s *StripeGateway) CreateCheckoutSession(ctx context.Context,
	args PaymentSessionArgs) (PaymentSession, error) {

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", args.Currency)
	form.Set("line_items[0][price_data][product_data][name]", "winc credits")
	form.Set("line_items[0][price_data][unit_amount]", args.PaymentAmount.String())
	form.Set("payment_intent_data[metadata][topUpQuoteId]", args.TopUpQuoteID)

	return s.post(ctx, "/v1/checkout/sessions", form)
}

func (s *StripeGateway) post(ctx context.Context, path string,
	form url.Values) (PaymentSession, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return PaymentSession{}, errors.Wrap(err, "could not build provider request")
	}
	req.SetBasicAuth(s.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return PaymentSession{}, errors.Wrapf(err, "provider POST %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		log.WithField("status", resp.StatusCode).WithField("path", path).
			Error("Payment provider rejected session")
		return PaymentSession{}, errors.Errorf(
			"provider answered %d for %s", resp.StatusCode, path)
	}

	var session struct {
		ID           string `json:"id"`
		URL          string `json:"url"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return PaymentSession{}, errors.Wrap(err, "could not decode provider session")
	}
	return PaymentSession{
		ID:           session.ID,
		URL:          session.URL,
		ClientSecret: session.ClientSecret,
	}, nil
}
