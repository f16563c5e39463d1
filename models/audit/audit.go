// Package audit maintains the append-only audit log. Every
// balance-affecting operation writes exactly one entry in the same
// transaction as the balance update, and the ordered sum of a user's
// entries equals the user's balance at every commit boundary.
package audit

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/amount"
)

// ChangeReason says why a user's balance changed. Credits are positive,
// debits are negative, pending gift issuance is zero.
type ChangeReason string

const (
	ReasonUpload                  ChangeReason = "upload"
	ReasonPayment                 ChangeReason = "payment"
	ReasonCryptoPayment           ChangeReason = "crypto_payment"
	ReasonBypassedPayment         ChangeReason = "bypassed_payment"
	ReasonAccountCreation         ChangeReason = "account_creation"
	ReasonBypassedAccountCreation ChangeReason = "bypassed_account_creation"
	ReasonChargeback              ChangeReason = "chargeback"
	ReasonRefund                  ChangeReason = "refund"
	ReasonGiftedPayment           ChangeReason = "gifted_payment"
	ReasonBypassedGiftedPayment   ChangeReason = "bypassed_gifted_payment"
	ReasonGiftedPaymentRedemption ChangeReason = "gifted_payment_redemption"
	ReasonGiftedAccountCreation   ChangeReason = "gifted_account_creation"
)

// Entry is a single audit log row
type Entry struct {
	AuditID      int64          `db:"audit_id"`
	UserAddress  string         `db:"user_address"`
	WincDelta    amount.Amount  `db:"winc_credit_amount"`
	ChangeReason ChangeReason   `db:"change_reason"`
	ChangeID     sql.NullString `db:"change_id"`
	AuditDate    time.Time      `db:"audit_date"`
}

// Append writes an audit entry within the caller's transaction. An empty
// changeID is stored as NULL.
func Append(tx *sqlx.Tx, userAddress string, delta amount.Amount,
	reason ChangeReason, changeID string) error {

	var nullableChangeID sql.NullString
	if changeID != "" {
		nullableChangeID = sql.NullString{String: changeID, Valid: true}
	}

	_, err := tx.Exec(`INSERT INTO audit_log
		(user_address, winc_credit_amount, change_reason, change_id)
		VALUES ($1, $2, $3, $4)`,
		userAddress, delta, reason, nullableChangeID)
	return errors.Wrapf(err, "could not append %s audit entry for %s",
		reason, userAddress)
}

// SumForUser returns the sum of all audit deltas for the given user.
// A user without entries sums to zero.
func SumForUser(d *db.DB, userAddress string) (amount.Amount, error) {
	var sum amount.Amount
	err := d.Reader().Get(&sum, `SELECT
		COALESCE(SUM(winc_credit_amount::NUMERIC), 0)::TEXT
		FROM audit_log WHERE user_address = $1`, userAddress)
	if err != nil {
		return amount.Zero(), errors.Wrapf(err,
			"could not sum audit log for %s", userAddress)
	}
	return sum, nil
}

// ListForUser returns the user's audit entries in append order.
func ListForUser(d *db.DB, userAddress string) ([]Entry, error) {
	var entries []Entry
	err := d.Reader().Select(&entries, `SELECT
		audit_id, user_address, winc_credit_amount, change_reason,
		change_id, audit_date
		FROM audit_log WHERE user_address = $1 ORDER BY audit_id ASC`,
		userAddress)
	return entries, errors.Wrapf(err,
		"could not list audit log for %s", userAddress)
}
