// Package users holds the address-keyed accounts the ledger debits and
// credits. A user is created on their first credit event and never
// deleted. Balances are signed: chargebacks may drive a user negative,
// and nothing here clamps that.
package users

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/audit"
)

var log = build.AddSubLogger("USER")

// AddressType is the address family a user address belongs to.
type AddressType string

const (
	Arweave  AddressType = "arweave"
	Solana   AddressType = "solana"
	Ethereum AddressType = "ethereum"
	Kyve     AddressType = "kyve"
	Matic    AddressType = "matic"
)

// ValidAddressType reports whether the given string names a supported
// address family.
func ValidAddressType(s string) bool {
	switch AddressType(s) {
	case Arweave, Solana, Ethereum, Kyve, Matic:
		return true
	}
	return false
}

// User is a database table
type User struct {
	Address     string        `db:"user_address"`
	AddressType AddressType   `db:"user_address_type"`
	WincBalance amount.Amount `db:"winc_balance"`
	// PromotionalInfo is an opaque JSON blob; the ledger core enforces no
	// schema on it.
	PromotionalInfo types.JSONText `db:"promotional_info"`
	CreatedAt       time.Time      `db:"user_creation_date"`
}

// SQL related constants
const (
	selectFromUsersTable = `SELECT user_address, user_address_type,
		winc_balance, promotional_info, user_creation_date FROM users`
)

// Exported errors
var (
	// ErrUserNotFound means no user exists for the given address
	ErrUserNotFound = errors.New("user not found")
)

// GetByAddress reads a user from the reader pool.
func GetByAddress(d *db.DB, address string) (User, error) {
	var user User
	query := fmt.Sprintf("%s WHERE user_address = $1", selectFromUsersTable)
	if err := d.Reader().Get(&user, query, address); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetByAddress(%s)", address)
	}
	return user, nil
}

// GetBalance returns the user's current winc balance.
func GetBalance(d *db.DB, address string) (amount.Amount, error) {
	user, err := GetByAddress(d, address)
	if err != nil {
		return amount.Zero(), err
	}
	return user.WincBalance, nil
}

// GetForUpdate locks the user row for the remainder of the caller's
// transaction. Every compound read-modify-write on a balance goes
// through this.
func GetForUpdate(tx *sqlx.Tx, address string) (User, error) {
	var user User
	query := fmt.Sprintf("%s WHERE user_address = $1 FOR UPDATE",
		selectFromUsersTable)
	if err := tx.Get(&user, query, address); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetForUpdate(%s)", address)
	}
	return user, nil
}

// Insert creates a user with the given starting balance within the
// caller's transaction. No audit entry is written here; callers pair the
// insert with the audit reason that fits their operation.
func Insert(tx *sqlx.Tx, address string, addressType AddressType,
	balance amount.Amount) (User, error) {

	var user User
	err := tx.Get(&user, `INSERT INTO users
		(user_address, user_address_type, winc_balance)
		VALUES ($1, $2, $3)
		RETURNING user_address, user_address_type, winc_balance,
			promotional_info, user_creation_date`,
		address, addressType, balance)
	return user, errors.Wrapf(err, "could not insert user %s", address)
}

// CreditOrCreateArgs names the audit reasons a credit uses depending on
// whether the destination user already exists.
type CreditOrCreateArgs struct {
	Address     string
	AddressType AddressType
	Winc        amount.Amount
	// CreatedReason is audited when the credit creates the user
	CreatedReason audit.ChangeReason
	// CreditedReason is audited when the user already existed
	CreditedReason audit.ChangeReason
	ChangeID       string
}

// CreditOrCreate adds winc to the destination user within the caller's
// transaction, creating the user when absent, and appends the matching
// audit entry. Returns the user's state after the credit.
func CreditOrCreate(tx *sqlx.Tx, args CreditOrCreateArgs) (User, error) {
	user, err := GetForUpdate(tx, args.Address)
	switch {
	case err == ErrUserNotFound:
		user, err = Insert(tx, args.Address, args.AddressType, args.Winc)
		if err != nil {
			return User{}, err
		}
		log.WithField("address", args.Address).Info("Created user on first credit")
		if err := audit.Append(tx, args.Address, args.Winc,
			args.CreatedReason, args.ChangeID); err != nil {
			return User{}, err
		}
		return user, nil

	case err != nil:
		return User{}, err
	}

	newBalance := user.WincBalance.Plus(args.Winc)
	if err := setBalance(tx, args.Address, newBalance); err != nil {
		return User{}, err
	}
	if err := audit.Append(tx, args.Address, args.Winc,
		args.CreditedReason, args.ChangeID); err != nil {
		return User{}, err
	}

	user.WincBalance = newBalance
	return user, nil
}

// Debit subtracts winc from an existing user within the caller's
// transaction and appends a negative audit entry. The balance is NOT
// clamped at zero.
func Debit(tx *sqlx.Tx, address string, winc amount.Amount,
	reason audit.ChangeReason, changeID string) (User, error) {

	user, err := GetForUpdate(tx, address)
	if err != nil {
		return User{}, err
	}

	newBalance := user.WincBalance.Minus(winc)
	if err := setBalance(tx, address, newBalance); err != nil {
		return User{}, err
	}
	if err := audit.Append(tx, address, winc.Negated(), reason, changeID); err != nil {
		return User{}, err
	}

	user.WincBalance = newBalance
	return user, nil
}

func setBalance(tx *sqlx.Tx, address string, balance amount.Amount) error {
	result, err := tx.Exec(
		`UPDATE users SET winc_balance = $1 WHERE user_address = $2`,
		balance, address)
	if err != nil {
		return errors.Wrapf(err, "could not update balance for %s", address)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return ErrUserNotFound
	}
	return nil
}
