package topup

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/adjustments"
)

// CreateTopUpQuote inserts the quote and its ordered payment adjustments
// in one transaction.
func CreateTopUpQuote(d *db.DB, quote TopUpQuote,
	applied []adjustments.AppliedPayment) error {

	return d.WithTransaction(func(tx *sqlx.Tx) error {
		if err := insertQuote(tx, quote); err != nil {
			return err
		}
		return adjustments.InsertPaymentAdjustments(tx, quote.QuoteID,
			quote.DestinationAddress, applied)
	})
}

func insertQuote(tx *sqlx.Tx, quote TopUpQuote) error {
	_, err := tx.NamedExec(`INSERT INTO top_up_quote
		(top_up_quote_id, destination_address, destination_address_type,
		 payment_amount, quoted_payment_amount, currency_type, winc_amount,
		 payment_provider, gift_message, quote_expiration_date,
		 quote_creation_date)
		VALUES (:top_up_quote_id, :destination_address,
		 :destination_address_type, :payment_amount, :quoted_payment_amount,
		 :currency_type, :winc_amount, :payment_provider, :gift_message,
		 :quote_expiration_date, :quote_creation_date)`, quote)
	return errors.Wrapf(err, "could not insert quote %s", quote.QuoteID)
}

// GetTopUpQuote reads an active quote
func GetTopUpQuote(d *db.DB, quoteID string) (TopUpQuote, error) {
	var quote TopUpQuote
	err := d.Reader().Get(&quote,
		`SELECT `+quoteColumns+` FROM top_up_quote WHERE top_up_quote_id = $1`,
		quoteID)
	if err == sql.ErrNoRows {
		return TopUpQuote{}, ErrTopUpQuoteNotFound
	}
	return quote, errors.Wrapf(err, "GetTopUpQuote(%s)", quoteID)
}

func getQuoteForUpdate(tx *sqlx.Tx, quoteID string) (TopUpQuote, error) {
	var quote TopUpQuote
	err := tx.Get(&quote, `SELECT `+quoteColumns+`
		FROM top_up_quote WHERE top_up_quote_id = $1 FOR UPDATE`, quoteID)
	if err == sql.ErrNoRows {
		return TopUpQuote{}, ErrTopUpQuoteNotFound
	}
	return quote, errors.Wrapf(err, "could not lock quote %s", quoteID)
}

// FailTopUpQuote moves a quote the provider reported as failed into the
// failed table, with the reason.
func FailTopUpQuote(d *db.DB, quoteID string, reason string) error {
	return d.WithTransaction(func(tx *sqlx.Tx) error {
		quote, err := getQuoteForUpdate(tx, quoteID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM top_up_quote WHERE top_up_quote_id = $1`,
			quoteID); err != nil {
			return errors.Wrapf(err, "could not delete quote %s", quoteID)
		}

		failed := FailedTopUpQuote{TopUpQuote: quote, FailedReason: reason}
		_, err = tx.NamedExec(`INSERT INTO failed_top_up_quote
			(top_up_quote_id, destination_address, destination_address_type,
			 payment_amount, quoted_payment_amount, currency_type,
			 winc_amount, payment_provider, gift_message,
			 quote_expiration_date, quote_creation_date, failed_reason)
			VALUES (:top_up_quote_id, :destination_address,
			 :destination_address_type, :payment_amount,
			 :quoted_payment_amount, :currency_type, :winc_amount,
			 :payment_provider, :gift_message, :quote_expiration_date,
			 :quote_creation_date, :failed_reason)`, failed)
		if err != nil {
			return errors.Wrapf(err, "could not insert failed quote %s", quoteID)
		}

		log.WithField("quoteId", quoteID).WithField("reason", reason).
			Info("Moved quote to failed")
		return nil
	})
}

// GetPaymentReceipt reads a payment receipt by its receipt id
func GetPaymentReceipt(d *db.DB, receiptID string) (PaymentReceipt, error) {
	var receipt PaymentReceipt
	err := d.Reader().Get(&receipt, `SELECT `+receiptColumns+`
		FROM payment_receipt WHERE payment_receipt_id = $1`, receiptID)
	if err == sql.ErrNoRows {
		return PaymentReceipt{}, ErrPaymentReceiptNotFound
	}
	return receipt, errors.Wrapf(err, "GetPaymentReceipt(%s)", receiptID)
}

// GetPaymentReceiptByQuoteID reads a payment receipt by the quote that
// produced it
func GetPaymentReceiptByQuoteID(d *db.DB, quoteID string) (PaymentReceipt, error) {
	var receipt PaymentReceipt
	err := d.Reader().Get(&receipt, `SELECT `+receiptColumns+`
		FROM payment_receipt WHERE top_up_quote_id = $1`, quoteID)
	if err == sql.ErrNoRows {
		return PaymentReceipt{}, ErrPaymentReceiptNotFound
	}
	return receipt, errors.Wrapf(err, "GetPaymentReceiptByQuoteID(%s)", quoteID)
}

// GetChargebackReceipt reads a chargeback receipt
func GetChargebackReceipt(d *db.DB, chargebackID string) (ChargebackReceipt, error) {
	var receipt ChargebackReceipt
	err := d.Reader().Get(&receipt, `SELECT `+receiptColumns+`,
		chargeback_receipt_id, chargeback_reason, chargeback_receipt_date
		FROM chargeback_receipt WHERE chargeback_receipt_id = $1`, chargebackID)
	if err == sql.ErrNoRows {
		return ChargebackReceipt{}, ErrChargebackReceiptNotFound
	}
	return receipt, errors.Wrapf(err, "GetChargebackReceipt(%s)", chargebackID)
}

// CheckForExistingPayment reports whether the quote id has already
// reached any terminal payment state.
func CheckForExistingPayment(d *db.DB, quoteID string) (bool, error) {
	var exists bool
	err := d.Reader().Get(&exists, `SELECT
		EXISTS (SELECT 1 FROM payment_receipt WHERE top_up_quote_id = $1)
		OR EXISTS (SELECT 1 FROM chargeback_receipt WHERE top_up_quote_id = $1)
		OR EXISTS (SELECT 1 FROM failed_top_up_quote WHERE top_up_quote_id = $1)`,
		quoteID)
	return exists, errors.Wrapf(err, "CheckForExistingPayment(%s)", quoteID)
}
