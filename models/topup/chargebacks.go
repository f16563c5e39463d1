package topup

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/audit"
	"gitlab.com/permagate/payward/models/users"
)

// CreateChargebackReceiptParams is what the payment provider reports on
// a dispute.
type CreateChargebackReceiptParams struct {
	TopUpQuoteID string
	ChargebackID string
	Reason       string
}

// CreateChargebackReceipt reverses a settled payment: it debits the
// user the receipt credited, deletes the receipt and inserts the
// chargeback receipt. A disputed gift that was never redeemed debits no
// one; a redeemed gift debits the redeemer. Balances may go negative
// and are not clamped.
func CreateChargebackReceipt(d *db.DB,
	params CreateChargebackReceiptParams) (ChargebackReceipt, error) {

	var chargeback ChargebackReceipt
	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		receipt, err := getReceiptByQuoteIDForUpdate(tx, params.TopUpQuoteID)
		if err != nil {
			return err
		}

		debitAddress := receipt.DestinationAddress
		if receipt.DestinationAddressType == DestinationEmail {
			debitAddress, err = giftDebitTarget(tx, receipt.ReceiptID)
			if err != nil {
				return err
			}
		}

		if debitAddress != "" {
			if _, err := users.Debit(tx, debitAddress, receipt.WincAmount,
				audit.ReasonChargeback, params.ChargebackID); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(
			`DELETE FROM payment_receipt WHERE payment_receipt_id = $1`,
			receipt.ReceiptID); err != nil {
			return errors.Wrapf(err, "could not delete receipt %s",
				receipt.ReceiptID)
		}

		chargeback = ChargebackReceipt{
			PaymentReceipt: receipt,
			ChargebackID:   params.ChargebackID,
			Reason:         params.Reason,
		}
		_, err = tx.NamedExec(`INSERT INTO chargeback_receipt
			(top_up_quote_id, destination_address, destination_address_type,
			 payment_amount, quoted_payment_amount, currency_type,
			 winc_amount, payment_provider, gift_message,
			 quote_expiration_date, quote_creation_date, payment_receipt_id,
			 payment_receipt_date, chargeback_receipt_id, chargeback_reason)
			VALUES (:top_up_quote_id, :destination_address,
			 :destination_address_type, :payment_amount,
			 :quoted_payment_amount, :currency_type, :winc_amount,
			 :payment_provider, :gift_message, :quote_expiration_date,
			 :quote_creation_date, :payment_receipt_id,
			 :payment_receipt_date, :chargeback_receipt_id,
			 :chargeback_reason)`, chargeback)
		return errors.Wrapf(err, "could not insert chargeback %s",
			params.ChargebackID)
	})
	if err != nil {
		return ChargebackReceipt{}, err
	}

	log.WithField("topUpQuoteId", params.TopUpQuoteID).
		WithField("chargebackId", params.ChargebackID).
		Warn("Created chargeback receipt")
	return chargeback, nil
}

func getReceiptByQuoteIDForUpdate(tx *sqlx.Tx, quoteID string) (PaymentReceipt, error) {
	var receipt PaymentReceipt
	err := tx.Get(&receipt, `SELECT `+receiptColumns+`
		FROM payment_receipt WHERE top_up_quote_id = $1 FOR UPDATE`, quoteID)
	if err == sql.ErrNoRows {
		return PaymentReceipt{}, ErrPaymentReceiptNotFound
	}
	return receipt, errors.Wrapf(err, "could not lock receipt for quote %s", quoteID)
}

// giftDebitTarget resolves who a gift chargeback debits. A redeemed gift
// debits the address it was redeemed to. An unredeemed gift is revoked
// by deleting its row, debiting no one.
func giftDebitTarget(tx *sqlx.Tx, receiptID string) (string, error) {
	var redeemedAddress string
	err := tx.Get(&redeemedAddress, `SELECT destination_address
		FROM redeemed_gift WHERE payment_receipt_id = $1`, receiptID)
	if err == nil {
		return redeemedAddress, nil
	}
	if err != sql.ErrNoRows {
		return "", errors.Wrapf(err, "could not check redeemed gift %s", receiptID)
	}

	if _, err := tx.Exec(
		`DELETE FROM unredeemed_gift WHERE payment_receipt_id = $1`,
		receiptID); err != nil {
		return "", errors.Wrapf(err, "could not revoke unredeemed gift %s",
			receiptID)
	}
	return "", nil
}
