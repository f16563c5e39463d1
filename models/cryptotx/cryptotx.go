// Package cryptotx tracks chain-settled credits. A transaction id lives
// in exactly one of the pending, failed, or credited tables; the poller
// drives pending rows forward as the chain gateway reports status.
package cryptotx

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/adjustments"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/audit"
	"gitlab.com/permagate/payward/models/users"
)

var log = build.AddSubLogger("CRYPTO")

// ErrTransactionNotFound means no pending row exists for the
// transaction id a transition was asked to advance.
var ErrTransactionNotFound = errors.New("payment transaction not found")

// Status says which lifecycle table a transaction id was found in
type Status string

const (
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
	StatusCredited Status = "credited"
)

// PendingTransaction is a database table
type PendingTransaction struct {
	TransactionID          string            `db:"transaction_id"`
	TokenType              string            `db:"token_type"`
	TransactionQuantity    amount.Amount     `db:"transaction_quantity"`
	WincAmount             amount.Amount     `db:"winc_amount"`
	DestinationAddress     string            `db:"destination_address"`
	DestinationAddressType users.AddressType `db:"destination_address_type"`
	CreatedAt              time.Time         `db:"transaction_creation_date"`
}

// FailedTransaction is a pending snapshot plus the failure
type FailedTransaction struct {
	PendingTransaction
	FailedReason string    `db:"failed_reason"`
	FailedAt     time.Time `db:"failed_date"`
}

// CreditedTransaction is a pending snapshot plus the settlement
type CreditedTransaction struct {
	PendingTransaction
	BlockHeight int64     `db:"block_height"`
	CreditedAt  time.Time `db:"credited_date"`
}

const pendingColumns = `transaction_id, token_type, transaction_quantity,
	winc_amount, destination_address, destination_address_type,
	transaction_creation_date`

// CreatePendingTransaction inserts the pending row and its adjustments.
// No balance changes until the chain confirms.
func CreatePendingTransaction(d *db.DB, pending PendingTransaction,
	applied []adjustments.AppliedPayment) error {

	return d.WithTransaction(func(tx *sqlx.Tx) error {
		_, err := tx.NamedExec(`INSERT INTO pending_payment_transaction
			(transaction_id, token_type, transaction_quantity, winc_amount,
			 destination_address, destination_address_type)
			VALUES (:transaction_id, :token_type, :transaction_quantity,
			 :winc_amount, :destination_address, :destination_address_type)`,
			pending)
		if err != nil {
			return errors.Wrapf(err, "could not insert pending transaction %s",
				pending.TransactionID)
		}
		return adjustments.InsertPaymentAdjustments(tx,
			pending.TransactionID, pending.DestinationAddress, applied)
	})
}

// CreateNewCreditedTransaction credits a transaction observed as
// already confirmed, with no prior pending row.
func CreateNewCreditedTransaction(d *db.DB, pending PendingTransaction,
	blockHeight int64, applied []adjustments.AppliedPayment) error {

	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = time.Now()
	}

	return d.WithTransaction(func(tx *sqlx.Tx) error {
		if err := insertCredited(tx, pending, blockHeight); err != nil {
			return err
		}
		if err := adjustments.InsertPaymentAdjustments(tx,
			pending.TransactionID, pending.DestinationAddress, applied); err != nil {
			return err
		}
		return creditUser(tx, pending)
	})
}

// CreditPendingTransaction moves pending to credited at the reported
// block height and credits the destination user.
func CreditPendingTransaction(d *db.DB, transactionID string,
	blockHeight int64) error {

	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		pending, err := takePending(tx, transactionID)
		if err != nil {
			return err
		}
		if err := insertCredited(tx, pending, blockHeight); err != nil {
			return err
		}
		return creditUser(tx, pending)
	})
	if err != nil {
		return err
	}

	log.WithField("transactionId", transactionID).
		WithField("blockHeight", blockHeight).
		Info("Credited pending transaction")
	return nil
}

// FailPendingTransaction moves pending to failed with the reason. No
// balance changes.
func FailPendingTransaction(d *db.DB, transactionID string, reason string) error {
	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		pending, err := takePending(tx, transactionID)
		if err != nil {
			return err
		}
		failed := FailedTransaction{
			PendingTransaction: pending,
			FailedReason:       reason,
		}
		_, err = tx.NamedExec(`INSERT INTO failed_payment_transaction
			(transaction_id, token_type, transaction_quantity, winc_amount,
			 destination_address, destination_address_type,
			 transaction_creation_date, failed_reason)
			VALUES (:transaction_id, :token_type, :transaction_quantity,
			 :winc_amount, :destination_address, :destination_address_type,
			 :transaction_creation_date, :failed_reason)`, failed)
		return errors.Wrapf(err, "could not insert failed transaction %s",
			transactionID)
	})
	if err != nil {
		return err
	}

	log.WithField("transactionId", transactionID).
		WithField("reason", reason).
		Warn("Failed pending transaction")
	return nil
}

// takePending locks and deletes the pending row, returning its
// snapshot for insertion into a terminal table.
func takePending(tx *sqlx.Tx, transactionID string) (PendingTransaction, error) {
	var pending PendingTransaction
	err := tx.Get(&pending, `SELECT `+pendingColumns+`
		FROM pending_payment_transaction
		WHERE transaction_id = $1 FOR UPDATE`, transactionID)
	if err == sql.ErrNoRows {
		return PendingTransaction{}, ErrTransactionNotFound
	}
	if err != nil {
		return PendingTransaction{}, errors.Wrapf(err,
			"could not lock pending transaction %s", transactionID)
	}

	if _, err := tx.Exec(
		`DELETE FROM pending_payment_transaction WHERE transaction_id = $1`,
		transactionID); err != nil {
		return PendingTransaction{}, errors.Wrapf(err,
			"could not delete pending transaction %s", transactionID)
	}
	return pending, nil
}

func insertCredited(tx *sqlx.Tx, pending PendingTransaction,
	blockHeight int64) error {

	credited := CreditedTransaction{
		PendingTransaction: pending,
		BlockHeight:        blockHeight,
	}
	_, err := tx.NamedExec(`INSERT INTO credited_payment_transaction
		(transaction_id, token_type, transaction_quantity, winc_amount,
		 destination_address, destination_address_type,
		 transaction_creation_date, block_height)
		VALUES (:transaction_id, :token_type, :transaction_quantity,
		 :winc_amount, :destination_address, :destination_address_type,
		 :transaction_creation_date, :block_height)`, credited)
	return errors.Wrapf(err, "could not insert credited transaction %s",
		pending.TransactionID)
}

func creditUser(tx *sqlx.Tx, pending PendingTransaction) error {
	_, err := users.CreditOrCreate(tx, users.CreditOrCreateArgs{
		Address:        pending.DestinationAddress,
		AddressType:    pending.DestinationAddressType,
		Winc:           pending.WincAmount,
		CreatedReason:  audit.ReasonCryptoPayment,
		CreditedReason: audit.ReasonCryptoPayment,
		ChangeID:       pending.TransactionID,
	})
	return err
}

// CheckForTransaction reports which lifecycle table holds the
// transaction id, if any.
func CheckForTransaction(d *db.DB, transactionID string) (Status, bool, error) {
	for _, candidate := range []struct {
		status Status
		table  string
	}{
		{StatusPending, "pending_payment_transaction"},
		{StatusCredited, "credited_payment_transaction"},
		{StatusFailed, "failed_payment_transaction"},
	} {
		var exists bool
		err := d.Reader().Get(&exists, `SELECT EXISTS
			(SELECT 1 FROM `+candidate.table+` WHERE transaction_id = $1)`,
			transactionID)
		if err != nil {
			return "", false, errors.Wrapf(err,
				"could not check %s for %s", candidate.table, transactionID)
		}
		if exists {
			return candidate.status, true, nil
		}
	}
	return "", false, nil
}

// ListPendingTransactions returns all pending rows, oldest first.
func ListPendingTransactions(d *db.DB) ([]PendingTransaction, error) {
	var pending []PendingTransaction
	err := d.Reader().Select(&pending, `SELECT `+pendingColumns+`
		FROM pending_payment_transaction
		ORDER BY transaction_creation_date ASC`)
	return pending, errors.Wrap(err, "could not list pending transactions")
}
