package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/api/apierr"
	"gitlab.com/permagate/payward/gateway"
	"gitlab.com/permagate/payward/models/adjustments"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/topup"
	"gitlab.com/permagate/payward/models/users"
)

// quoteExpirationPeriod is how long the provider has to settle a charge
// before the quote lapses.
const quoteExpirationPeriod = 30 * time.Minute

// paymentProviderStripe names the provider quotes are opened with.
const paymentProviderStripe = "stripe"

type sessionMode int

const (
	sessionModeCheckout sessionMode = iota
	sessionModeIntent
)

// topUpQuoteResponse is the wire shape of a quote.
type topUpQuoteResponse struct {
	TopUpQuoteID           string        `json:"topUpQuoteId"`
	DestinationAddress     string        `json:"destinationAddress"`
	DestinationAddressType string        `json:"destinationAddressType"`
	PaymentAmount          amount.Amount `json:"paymentAmount"`
	QuotedPaymentAmount    amount.Amount `json:"quotedPaymentAmount"`
	CurrencyType           string        `json:"currencyType"`
	WincAmount             amount.Amount `json:"winc"`
	QuoteExpirationDate    time.Time     `json:"quoteExpirationDate"`
}

func toQuoteResponse(quote topup.TopUpQuote) topUpQuoteResponse {
	return topUpQuoteResponse{
		TopUpQuoteID:           quote.QuoteID,
		DestinationAddress:     quote.DestinationAddress,
		DestinationAddressType: quote.DestinationAddressType,
		PaymentAmount:          quote.PaymentAmount,
		QuotedPaymentAmount:    quote.QuotedPaymentAmount,
		CurrencyType:           quote.Currency,
		WincAmount:             quote.WincAmount,
		QuoteExpirationDate:    quote.ExpiresAt,
	}
}

// parseFiatAmount parses a route parameter as a non-negative integer
// amount of fiat minor units.
func parseFiatAmount(s string) (amount.Amount, error) {
	parsed, err := amount.New(s)
	if err != nil {
		return amount.Zero(), err
	}
	if parsed.IsNonZeroNegativeInteger() {
		return amount.Zero(), errors.New("amount must not be negative")
	}
	return parsed, nil
}

// createTopUp prices a top-up, applies active adjustments and promo
// codes, persists the quote and opens a provider charge session. The
// quote only turns into credits when the provider's webhook reports
// success.
func (r *RestServer) createTopUp(mode sessionMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Param("address")
		currency := c.Param("currency")

		addressType := c.DefaultQuery("destinationAddressType",
			string(users.Arweave))
		if addressType != topup.DestinationEmail &&
			!users.ValidAddressType(addressType) {
			apierr.BadRequest(c, "unsupported destination address type")
			return
		}

		gross, err := parseFiatAmount(c.Param("amount"))
		if err != nil || gross.IsZero() {
			apierr.BadRequest(c, "amount must be a positive integer of minor units")
			return
		}

		promos, err := adjustments.GetSingleUsePromoCodeAdjustments(r.db,
			c.QueryArray("promoCode"), address)
		if err != nil {
			apierr.Terminate(c, err)
			return
		}
		inclusives, err := adjustments.GetPaymentCatalogs(r.db, time.Now())
		if err != nil {
			apierr.Terminate(c, err)
			return
		}

		winc, err := r.pricing.GetWincForFiat(c.Request.Context(), currency, gross)
		if err != nil {
			apierr.Terminate(c, err)
			return
		}

		composition := adjustments.ComposePaymentAdjustments(gross, winc,
			currency, promos, inclusives)

		now := time.Now()
		quote := topup.TopUpQuote{
			QuoteID:                uuid.NewString(),
			DestinationAddress:     address,
			DestinationAddressType: addressType,
			PaymentAmount:          composition.PaymentAmount,
			QuotedPaymentAmount:    composition.QuotedPaymentAmount,
			Currency:               currency,
			WincAmount:             composition.WincAmount,
			Provider:               paymentProviderStripe,
			ExpiresAt:              now.Add(quoteExpirationPeriod),
			CreatedAt:              now,
		}
		if message := c.Query("giftMessage"); message != "" {
			quote.GiftMessage = &message
		}

		if err := topup.CreateTopUpQuote(r.db, quote, composition.Applied); err != nil {
			apierr.Terminate(c, err)
			return
		}

		sessionArgs := gateway.PaymentSessionArgs{
			TopUpQuoteID:  quote.QuoteID,
			PaymentAmount: quote.PaymentAmount,
			Currency:      quote.Currency,
		}
		var session gateway.PaymentSession
		if mode == sessionModeCheckout {
			session, err = r.payments.CreateCheckoutSession(
				c.Request.Context(), sessionArgs)
		} else {
			session, err = r.payments.CreatePaymentIntent(
				c.Request.Context(), sessionArgs)
		}
		if err != nil {
			// the quote stays behind and simply expires unpaid
			apierr.Terminate(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"topUpQuote":     toQuoteResponse(quote),
			"paymentSession": session,
			"adjustments":    composition.Applied,
		})
	}
}

// redeemGift claims an emailed gift for a wallet address.
func (r *RestServer) redeemGift() gin.HandlerFunc {
	return func(c *gin.Context) {
		receiptID := c.Query("id")
		email := c.Query("email")
		destination := c.Query("destinationAddress")
		if receiptID == "" || email == "" || destination == "" {
			apierr.BadRequest(c, "id, email and destinationAddress are required")
			return
		}

		addressType := c.DefaultQuery("destinationAddressType",
			string(users.Arweave))
		if !users.ValidAddressType(addressType) {
			apierr.BadRequest(c, "unsupported destination address type")
			return
		}

		result, err := topup.RedeemGift(r.db, topup.RedeemGiftParams{
			ReceiptID:              receiptID,
			RecipientEmail:         email,
			DestinationAddress:     destination,
			DestinationAddressType: users.AddressType(addressType),
		})
		if err != nil {
			apierr.Terminate(c, err)
			return
		}
		r.metrics.GiftRedemptions.Inc()

		c.JSON(http.StatusOK, gin.H{
			"message":     "Gift redeemed",
			"userAddress": result.User.Address,
			"userBalance": result.User.WincBalance,
			"winc":        result.WincRedeemed,
		})
	}
}
