package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/permagate/payward/api/apierr"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/topup"
)

// stripeSignatureHeader carries "t=<unix>,v1=<hexhmac>[,v1=...]" signed
// over "<t>.<payload>".
const stripeSignatureHeader = "Stripe-Signature"

var (
	ErrWebhookSignatureFormat  = errors.New("malformed webhook signature header")
	ErrWebhookSignatureStale   = errors.New("webhook timestamp outside tolerance")
	ErrWebhookSignatureInvalid = errors.New("webhook signature does not match")
)

// VerifyWebhookSignature checks a provider webhook signature header
// against the payload. now is injected so tests can pin the clock.
func VerifyWebhookSignature(payload []byte, header string, secret string,
	tolerance time.Duration, now time.Time) error {

	var timestamp int64
	var signatures [][]byte
	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			parsed, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return ErrWebhookSignatureFormat
			}
			timestamp = parsed
		case "v1":
			decoded, err := hex.DecodeString(parts[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, decoded)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return ErrWebhookSignatureFormat
	}

	signedAt := time.Unix(timestamp, 0)
	age := now.Sub(signedAt)
	if age > tolerance || age < -tolerance {
		return ErrWebhookSignatureStale
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, signature := range signatures {
		if hmac.Equal(expected, signature) {
			return nil
		}
	}
	return ErrWebhookSignatureInvalid
}

// webhookEvent is the slice of a provider event the ledger needs.
type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
			Reason   string `json:"reason"`
			Metadata struct {
				TopUpQuoteID string `json:"topUpQuoteId"`
				SenderEmail  string `json:"senderEmail"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// stripeWebhook settles provider events into the ledger. Signature
// failures answer 400; everything else answers 200, with ledger
// rejections logged and the quote failed where that applies. The
// provider retries non-200 answers, so a permanently bad event must not
// error forever.
func (r *RestServer) stripeWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			apierr.BadRequest(c, "could not read webhook body")
			return
		}

		if err := VerifyWebhookSignature(payload,
			c.GetHeader(stripeSignatureHeader), r.config.StripeWebhookSecret,
			r.config.WebhookTolerance, time.Now()); err != nil {
			log.WithError(err).Warn("Rejected webhook event")
			apierr.BadRequest(c, "webhook signature verification failed")
			return
		}

		var event webhookEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			apierr.BadRequest(c, "could not decode webhook event")
			return
		}

		eventLog := log.WithField("type", event.Type).
			WithField("quoteId", event.Data.Object.Metadata.TopUpQuoteID)

		switch event.Type {
		case "payment_intent.succeeded":
			r.settlePayment(eventLog, event)

		case "charge.dispute.created":
			r.settleDispute(eventLog, event)

		case "payment_intent.payment_failed", "payment_intent.canceled":
			quoteID := event.Data.Object.Metadata.TopUpQuoteID
			if quoteID == "" {
				eventLog.Warn("Failure event without a quote id")
				break
			}
			if err := topup.FailTopUpQuote(r.db, quoteID, event.Type); err != nil &&
				!errors.Is(err, topup.ErrTopUpQuoteNotFound) {
				eventLog.WithError(err).Error("Could not fail quote")
			}

		default:
			eventLog.Debug("Ignoring webhook event type")
		}

		c.String(http.StatusOK, "OK")
	}
}

// settlePayment turns a successful charge into a payment receipt. A
// quote that expired or mismatched while the charge settled is failed
// so the facade can refund the charge.
func (r *RestServer) settlePayment(eventLog *logrus.Entry, event webhookEvent) {
	quoteID := event.Data.Object.Metadata.TopUpQuoteID
	if quoteID == "" {
		eventLog.Warn("Success event without a quote id")
		return
	}

	_, err := topup.CreatePaymentReceipt(r.db, topup.CreatePaymentReceiptParams{
		TopUpQuoteID:  quoteID,
		ReceiptID:     event.Data.Object.ID,
		PaymentAmount: amount.FromInt64(event.Data.Object.Amount),
		Currency:      event.Data.Object.Currency,
		SenderEmail:   event.Data.Object.Metadata.SenderEmail,
	})
	switch {
	case err == nil:
		r.metrics.PaymentReceipts.Inc()

	case errors.Is(err, topup.ErrQuoteExpired),
		errors.Is(err, topup.ErrPaymentMismatch):
		eventLog.WithError(err).Warn("Charge settled against a dead quote")
		if failErr := topup.FailTopUpQuote(r.db, quoteID,
			err.Error()); failErr != nil {
			eventLog.WithError(failErr).Error("Could not fail quote")
		}

	case errors.Is(err, topup.ErrTopUpQuoteNotFound):
		// retried event for an already settled quote
		eventLog.WithError(err).Info("No active quote for settled charge")

	default:
		eventLog.WithError(err).Error("Could not create payment receipt")
	}
}

// settleDispute reverses a settled payment.
func (r *RestServer) settleDispute(eventLog *logrus.Entry, event webhookEvent) {
	quoteID := event.Data.Object.Metadata.TopUpQuoteID
	if quoteID == "" {
		eventLog.Warn("Dispute event without a quote id")
		return
	}

	reason := event.Data.Object.Reason
	if reason == "" {
		reason = event.Type
	}
	_, err := topup.CreateChargebackReceipt(r.db, topup.CreateChargebackReceiptParams{
		TopUpQuoteID: quoteID,
		ChargebackID: event.Data.Object.ID,
		Reason:       reason,
	})
	switch {
	case err == nil:
		r.metrics.ChargebackReceipts.Inc()
	case errors.Is(err, topup.ErrPaymentReceiptNotFound):
		eventLog.WithError(err).Warn("Dispute without a settled receipt")
	default:
		eventLog.WithError(err).Error("Could not create chargeback receipt")
	}
}
