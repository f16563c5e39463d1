// Package topup implements the fiat payment lifecycle: a priced,
// expiring top-up quote becomes a payment receipt when the provider
// reports success, and a payment receipt becomes a chargeback receipt on
// dispute. Quotes for email destinations become gifts that are credited
// on redemption. Terminal states are realized by deleting the source row
// and inserting into the terminal table, in one transaction.
package topup

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/models/amount"
)

var log = build.AddSubLogger("TOPUP")

// DestinationEmail marks a quote bought as a gift for an email address
// rather than a wallet address.
const DestinationEmail = "email"

// giftExpirationPeriod is how long an unredeemed gift stays redeemable.
const giftExpirationPeriod = 365 * 24 * time.Hour

// Exported errors
var (
	ErrTopUpQuoteNotFound        = errors.New("top up quote not found")
	ErrPaymentReceiptNotFound    = errors.New("payment receipt not found")
	ErrChargebackReceiptNotFound = errors.New("chargeback receipt not found")
	// ErrQuoteExpired means the provider reported success at or after
	// the quote's expiration instant
	ErrQuoteExpired = errors.New("top up quote has expired")
	// ErrPaymentMismatch means the provider charged less than quoted, or
	// in a different currency. The facade triggers a provider-side
	// refund on this.
	ErrPaymentMismatch     = errors.New("payment does not match the quote")
	ErrGiftRedemption      = errors.New("gift could not be redeemed")
	ErrGiftAlreadyRedeemed = errors.New("gift has already been redeemed")
)

// TopUpQuote is a database table
type TopUpQuote struct {
	QuoteID                string        `db:"top_up_quote_id"`
	DestinationAddress     string        `db:"destination_address"`
	DestinationAddressType string        `db:"destination_address_type"`
	PaymentAmount          amount.Amount `db:"payment_amount"`
	QuotedPaymentAmount    amount.Amount `db:"quoted_payment_amount"`
	Currency               string        `db:"currency_type"`
	WincAmount             amount.Amount `db:"winc_amount"`
	Provider               string        `db:"payment_provider"`
	GiftMessage            *string       `db:"gift_message"`
	ExpiresAt              time.Time     `db:"quote_expiration_date"`
	CreatedAt              time.Time     `db:"quote_creation_date"`
}

// PaymentReceipt is a quote snapshot plus the provider's receipt
type PaymentReceipt struct {
	TopUpQuote
	ReceiptID   string    `db:"payment_receipt_id"`
	ReceiptDate time.Time `db:"payment_receipt_date"`
}

// ChargebackReceipt is a receipt snapshot plus the dispute
type ChargebackReceipt struct {
	PaymentReceipt
	ChargebackID   string    `db:"chargeback_receipt_id"`
	Reason         string    `db:"chargeback_reason"`
	ChargebackDate time.Time `db:"chargeback_receipt_date"`
}

// FailedTopUpQuote is a quote snapshot plus the provider's failure
type FailedTopUpQuote struct {
	TopUpQuote
	FailedReason string    `db:"failed_reason"`
	FailedAt     time.Time `db:"quote_failed_date"`
}

// UnredeemedGift is winc bought for an email address, waiting for the
// recipient to claim it
type UnredeemedGift struct {
	ReceiptID      string         `db:"payment_receipt_id"`
	WincAmount     amount.Amount  `db:"gifted_winc_amount"`
	RecipientEmail string         `db:"recipient_email"`
	SenderEmail    sql.NullString `db:"sender_email"`
	GiftMessage    sql.NullString `db:"gift_message"`
	CreatedAt      time.Time      `db:"gift_creation_date"`
	ExpiresAt      time.Time      `db:"gift_expiration_date"`
}

// RedeemedGift is a claimed gift
type RedeemedGift struct {
	UnredeemedGift
	DestinationAddress string    `db:"destination_address"`
	RedeemedAt         time.Time `db:"redemption_date"`
}

// SQL snippets shared by the lifecycle queries. The quote columns appear
// in the same order in every table that snapshots a quote.
const (
	quoteColumns = `top_up_quote_id, destination_address,
		destination_address_type, payment_amount, quoted_payment_amount,
		currency_type, winc_amount, payment_provider, gift_message,
		quote_expiration_date, quote_creation_date`

	receiptColumns = quoteColumns + `, payment_receipt_id, payment_receipt_date`

	giftColumns = `payment_receipt_id, gifted_winc_amount, recipient_email,
		sender_email, gift_message, gift_creation_date, gift_expiration_date`
)
