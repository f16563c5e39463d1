// Package reservations debits winc from a user when an upload is priced
// and accepted, and refunds it when the upload never settles.
// Reservations are refunded whole; there are no partial refunds.
package reservations

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/adjustments"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/audit"
	"gitlab.com/permagate/payward/models/users"
)

var log = build.AddSubLogger("RSRV")

// Exported errors
var (
	// ErrInsufficientBalance means the reservation would take the user's
	// balance below zero
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrReservationNotFound = errors.New("reservation not found")
)

// BalanceReservation is a database table
type BalanceReservation struct {
	ReservationID string        `db:"reservation_id"`
	DataItemID    string        `db:"data_item_id"`
	UserAddress   string        `db:"user_address"`
	ReservedWinc  amount.Amount `db:"reserved_winc_amount"`
	NetworkWinc   amount.Amount `db:"network_winc_amount"`
	ReservedAt    time.Time     `db:"reserved_date"`
}

// ReserveBalanceParams carries the caller-priced upload
type ReserveBalanceParams struct {
	UserAddress     string
	UserAddressType users.AddressType
	DataItemID      string
	// NetworkWinc is the pre-adjustment network cost
	NetworkWinc amount.Amount
	// ReservedWinc is what is deducted from the balance, after
	// adjustments
	ReservedWinc amount.Amount
	Adjustments  []adjustments.AppliedUpload
}

// ReserveBalance deducts the reserved winc from the user, inserts the
// reservation and its adjustments, and audits the upload debit. A
// zero-cost reservation for an unknown user creates that user with a
// zero balance; a priced reservation for an unknown user fails.
func ReserveBalance(d *db.DB, params ReserveBalanceParams) (BalanceReservation, error) {
	reservation := BalanceReservation{
		ReservationID: uuid.NewString(),
		DataItemID:    params.DataItemID,
		UserAddress:   params.UserAddress,
		ReservedWinc:  params.ReservedWinc,
		NetworkWinc:   params.NetworkWinc,
	}

	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		user, err := users.GetForUpdate(tx, params.UserAddress)
		switch {
		case err == users.ErrUserNotFound:
			if params.ReservedWinc.IsNonZeroPositiveInteger() {
				return users.ErrUserNotFound
			}
			user, err = users.Insert(tx, params.UserAddress,
				params.UserAddressType, amount.Zero())
			if err != nil {
				return err
			}
			if err := audit.Append(tx, params.UserAddress, amount.Zero(),
				audit.ReasonAccountCreation, params.DataItemID); err != nil {
				return err
			}

		case err != nil:
			return err
		}

		newBalance := user.WincBalance.Minus(params.ReservedWinc)
		if newBalance.IsNonZeroNegativeInteger() {
			return errors.Wrapf(ErrInsufficientBalance,
				"%s has %s, upload needs %s", params.UserAddress,
				user.WincBalance, params.ReservedWinc)
		}

		if _, err := tx.Exec(
			`UPDATE users SET winc_balance = $1 WHERE user_address = $2`,
			newBalance, params.UserAddress); err != nil {
			return errors.Wrapf(err, "could not update balance for %s",
				params.UserAddress)
		}

		if _, err := tx.NamedExec(`INSERT INTO balance_reservation
			(reservation_id, data_item_id, user_address,
			 reserved_winc_amount, network_winc_amount)
			VALUES (:reservation_id, :data_item_id, :user_address,
			 :reserved_winc_amount, :network_winc_amount)`,
			reservation); err != nil {
			return errors.Wrapf(err, "could not insert reservation for %s",
				params.DataItemID)
		}

		if err := adjustments.InsertUploadAdjustments(tx,
			reservation.ReservationID, params.UserAddress,
			params.Adjustments); err != nil {
			return err
		}

		return audit.Append(tx, params.UserAddress,
			params.ReservedWinc.Negated(), audit.ReasonUpload,
			params.DataItemID)
	})
	if err != nil {
		return BalanceReservation{}, err
	}

	log.WithField("address", params.UserAddress).
		WithField("dataItemId", params.DataItemID).
		WithField("reservedWinc", params.ReservedWinc.String()).
		Info("Reserved balance")
	return reservation, nil
}

// RefundBalance returns previously reserved winc to the user.
func RefundBalance(d *db.DB, userAddress string, winc amount.Amount,
	dataItemID string) error {

	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		user, err := users.GetForUpdate(tx, userAddress)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE users SET winc_balance = $1 WHERE user_address = $2`,
			user.WincBalance.Plus(winc), userAddress); err != nil {
			return errors.Wrapf(err, "could not refund %s", userAddress)
		}
		return audit.Append(tx, userAddress, winc, audit.ReasonRefund,
			dataItemID)
	})
	if err != nil {
		return err
	}

	log.WithField("address", userAddress).
		WithField("winc", winc.String()).
		Info("Refunded balance")
	return nil
}

// GetReservationsForDataItem returns the reservations recorded for the
// given data item, newest first.
func GetReservationsForDataItem(d *db.DB, dataItemID string) ([]BalanceReservation, error) {
	var found []BalanceReservation
	err := d.Reader().Select(&found, `SELECT reservation_id, data_item_id,
		user_address, reserved_winc_amount, network_winc_amount,
		reserved_date
		FROM balance_reservation WHERE data_item_id = $1
		ORDER BY reserved_date DESC`, dataItemID)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	return found, errors.Wrapf(err, "GetReservationsForDataItem(%s)", dataItemID)
}
