package topup

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/adjustments"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/audit"
	"gitlab.com/permagate/payward/models/users"
)

// CreatePaymentReceiptParams is what the payment provider reports on a
// successful charge.
type CreatePaymentReceiptParams struct {
	TopUpQuoteID  string
	ReceiptID     string
	PaymentAmount amount.Amount
	Currency      string
	// SenderEmail is attached to the gift when the quote destination is
	// an email address
	SenderEmail string
}

// CreatePaymentReceipt consumes the quote: it verifies expiry, amount
// and currency, re-asserts promo eligibility, deletes the quote, inserts
// the receipt and credits the destination. Over-payment (tax lines) is
// accepted and credited at the quoted winc amount. Returns the new
// unredeemed gift when the destination is an email address.
func CreatePaymentReceipt(d *db.DB,
	params CreatePaymentReceiptParams) (*UnredeemedGift, error) {

	var gift *UnredeemedGift
	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		quote, err := getQuoteForUpdate(tx, params.TopUpQuoteID)
		if err != nil {
			return err
		}

		now := time.Now()
		if !now.Before(quote.ExpiresAt) {
			return errors.Wrapf(ErrQuoteExpired, "quote %s expired at %s",
				quote.QuoteID, quote.ExpiresAt)
		}
		if quote.PaymentAmount.IsGreaterThan(params.PaymentAmount) {
			return errors.Wrapf(ErrPaymentMismatch,
				"quote %s wants %s, provider reported %s", quote.QuoteID,
				quote.PaymentAmount, params.PaymentAmount)
		}
		if quote.Currency != params.Currency {
			return errors.Wrapf(ErrPaymentMismatch,
				"quote %s is in %s, provider reported %s", quote.QuoteID,
				quote.Currency, params.Currency)
		}

		if err := reassertPromoEligibility(tx, quote.QuoteID, now); err != nil {
			return err
		}

		if _, err := tx.Exec(
			`DELETE FROM top_up_quote WHERE top_up_quote_id = $1`,
			quote.QuoteID); err != nil {
			return errors.Wrapf(err, "could not delete quote %s", quote.QuoteID)
		}

		receipt := PaymentReceipt{TopUpQuote: quote, ReceiptID: params.ReceiptID}
		if err := insertReceipt(tx, receipt); err != nil {
			return err
		}

		if quote.DestinationAddressType == DestinationEmail {
			gift, err = issueGift(tx, receipt, params.SenderEmail,
				audit.ReasonGiftedPayment)
			return err
		}

		_, err = users.CreditOrCreate(tx, users.CreditOrCreateArgs{
			Address:        quote.DestinationAddress,
			AddressType:    users.AddressType(quote.DestinationAddressType),
			Winc:           quote.WincAmount,
			CreatedReason:  audit.ReasonAccountCreation,
			CreditedReason: audit.ReasonPayment,
			ChangeID:       receipt.ReceiptID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithField("topUpQuoteId", params.TopUpQuoteID).
		WithField("receiptId", params.ReceiptID).
		Info("Created payment receipt")
	return gift, nil
}

// quoteSingleUseAdjustment pairs a single-use catalog with the user the
// adjustment was issued to.
type quoteSingleUseAdjustment struct {
	adjustments.SingleUseCatalog
	UserAddress string `db:"user_address"`
}

// reassertPromoEligibility re-checks every single-use code attached to
// the quote. Eligibility could have been lost between quote and payment,
// e.g. the code hit its global max uses.
func reassertPromoEligibility(tx *sqlx.Tx, quoteID string, now time.Time) error {
	var attached []quoteSingleUseAdjustment
	err := tx.Select(&attached, `SELECT
		c.catalog_id, c.adjustment_name, c.adjustment_description,
		c.operator, c.operator_magnitude, c.adjustment_priority,
		c.adjustment_start_date, c.adjustment_end_date,
		c.adjustment_exclusivity, c.code_value, c.target_user_group,
		c.max_uses, c.minimum_payment_amount, c.maximum_discount_amount,
		a.user_address
		FROM payment_adjustment a
		JOIN single_use_code_payment_adjustment_catalog c
		  ON c.catalog_id = a.catalog_id
		WHERE a.top_up_quote_id = $1
		ORDER BY a.adjustment_index ASC`, quoteID)
	if err != nil {
		return errors.Wrapf(err,
			"could not load single use adjustments for quote %s", quoteID)
	}

	for _, adjustment := range attached {
		if err := adjustments.AssertEligible(tx,
			adjustment.SingleUseCatalog, adjustment.UserAddress, now); err != nil {
			return err
		}
	}
	return nil
}

func insertReceipt(tx *sqlx.Tx, receipt PaymentReceipt) error {
	_, err := tx.NamedExec(`INSERT INTO payment_receipt
		(top_up_quote_id, destination_address, destination_address_type,
		 payment_amount, quoted_payment_amount, currency_type, winc_amount,
		 payment_provider, gift_message, quote_expiration_date,
		 quote_creation_date, payment_receipt_id)
		VALUES (:top_up_quote_id, :destination_address,
		 :destination_address_type, :payment_amount, :quoted_payment_amount,
		 :currency_type, :winc_amount, :payment_provider, :gift_message,
		 :quote_expiration_date, :quote_creation_date, :payment_receipt_id)`,
		receipt)
	return errors.Wrapf(err, "could not insert receipt %s", receipt.ReceiptID)
}

// issueGift inserts the unredeemed gift row for an email-destination
// receipt and audits the issuance with a zero delta: the winc is held by
// no user until redemption.
func issueGift(tx *sqlx.Tx, receipt PaymentReceipt, senderEmail string,
	reason audit.ChangeReason) (*UnredeemedGift, error) {

	gift := UnredeemedGift{
		ReceiptID:      receipt.ReceiptID,
		WincAmount:     receipt.WincAmount,
		RecipientEmail: receipt.DestinationAddress,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(giftExpirationPeriod),
	}
	if senderEmail != "" {
		gift.SenderEmail = sql.NullString{String: senderEmail, Valid: true}
	}
	if receipt.GiftMessage != nil {
		gift.GiftMessage = sql.NullString{String: *receipt.GiftMessage, Valid: true}
	}

	_, err := tx.NamedExec(`INSERT INTO unredeemed_gift
		(payment_receipt_id, gifted_winc_amount, recipient_email,
		 sender_email, gift_message, gift_creation_date, gift_expiration_date)
		VALUES (:payment_receipt_id, :gifted_winc_amount, :recipient_email,
		 :sender_email, :gift_message, :gift_creation_date,
		 :gift_expiration_date)`, gift)
	if err != nil {
		return nil, errors.Wrapf(err, "could not insert gift %s", gift.ReceiptID)
	}

	if err := audit.Append(tx, receipt.DestinationAddress, amount.Zero(),
		reason, receipt.ReceiptID); err != nil {
		return nil, err
	}
	return &gift, nil
}

// BypassedPayment describes one admin-path credit with no quote behind
// it.
type BypassedPayment struct {
	DestinationAddress     string
	DestinationAddressType string
	PaymentAmount          amount.Amount
	Currency               string
	WincAmount             amount.Amount
	GiftMessage            string
	SenderEmail            string
}

// CreateBypassedPaymentReceipts credits a batch of payments that
// bypassed the quote flow, in one transaction. Behavior per item matches
// CreatePaymentReceipt but audits with the bypassed_ change reasons.
func CreateBypassedPaymentReceipts(d *db.DB,
	batch []BypassedPayment) ([]UnredeemedGift, error) {

	var gifts []UnredeemedGift
	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		for _, item := range batch {
			now := time.Now()
			quote := TopUpQuote{
				QuoteID:                uuid.NewString(),
				DestinationAddress:     item.DestinationAddress,
				DestinationAddressType: item.DestinationAddressType,
				PaymentAmount:          item.PaymentAmount,
				QuotedPaymentAmount:    item.PaymentAmount,
				Currency:               item.Currency,
				WincAmount:             item.WincAmount,
				Provider:               "admin",
				ExpiresAt:              now,
				CreatedAt:              now,
			}
			if item.GiftMessage != "" {
				quote.GiftMessage = &item.GiftMessage
			}

			receipt := PaymentReceipt{TopUpQuote: quote, ReceiptID: uuid.NewString()}
			if err := insertReceipt(tx, receipt); err != nil {
				return err
			}

			if item.DestinationAddressType == DestinationEmail {
				gift, err := issueGift(tx, receipt, item.SenderEmail,
					audit.ReasonBypassedGiftedPayment)
				if err != nil {
					return err
				}
				gifts = append(gifts, *gift)
				continue
			}

			_, err := users.CreditOrCreate(tx, users.CreditOrCreateArgs{
				Address:        item.DestinationAddress,
				AddressType:    users.AddressType(item.DestinationAddressType),
				Winc:           item.WincAmount,
				CreatedReason:  audit.ReasonBypassedAccountCreation,
				CreditedReason: audit.ReasonBypassedPayment,
				ChangeID:       receipt.ReceiptID,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gifts, nil
}
