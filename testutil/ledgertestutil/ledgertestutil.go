// Package ledgertestutil creates the ledger fixtures tests lean on:
// funded users, quotes and pending crypto transactions with fake but
// plausible data.
package ledgertestutil

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/audit"
	"gitlab.com/permagate/payward/models/cryptotx"
	"gitlab.com/permagate/payward/models/topup"
	"gitlab.com/permagate/payward/models/users"
)

// RandomAddress returns a plausible base64url wallet address.
func RandomAddress() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	address := make([]byte, 43)
	for i := range address {
		address[i] = alphabet[gofakeit.Number(0, len(alphabet)-1)]
	}
	return string(address)
}

// CreateUserOrFail creates a user with a random address and the given
// starting balance, audited as an account creation so the audit
// invariant holds from the start.
func CreateUserOrFail(t *testing.T, d *db.DB, balance amount.Amount) users.User {
	t.Helper()

	var user users.User
	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		created, err := users.Insert(tx, RandomAddress(), users.Arweave, balance)
		if err != nil {
			return err
		}
		user = created
		return audit.Append(tx, created.Address, balance,
			audit.ReasonAccountCreation, "")
	})
	require.NoError(t, err)
	return user
}

// CreateQuoteOrFail persists a top-up quote for the given destination,
// expiring an hour from now.
func CreateQuoteOrFail(t *testing.T, d *db.DB, destination string,
	destinationType string, payment amount.Amount,
	winc amount.Amount) topup.TopUpQuote {
	t.Helper()

	now := time.Now()
	quote := topup.TopUpQuote{
		QuoteID:                uuid.NewString(),
		DestinationAddress:     destination,
		DestinationAddressType: destinationType,
		PaymentAmount:          payment,
		QuotedPaymentAmount:    payment,
		Currency:               "usd",
		WincAmount:             winc,
		Provider:               "stripe",
		ExpiresAt:              now.Add(time.Hour),
		CreatedAt:              now,
	}
	require.NoError(t, topup.CreateTopUpQuote(d, quote, nil))
	return quote
}

// CreatePendingTransactionOrFail persists a pending crypto transaction
// for the given destination.
func CreatePendingTransactionOrFail(t *testing.T, d *db.DB,
	destination string, winc amount.Amount) cryptotx.PendingTransaction {
	t.Helper()

	pending := cryptotx.PendingTransaction{
		TransactionID:          uuid.NewString(),
		TokenType:              "arweave",
		TransactionQuantity:    winc,
		WincAmount:             winc,
		DestinationAddress:     destination,
		DestinationAddressType: users.Arweave,
		CreatedAt:              time.Now(),
	}
	require.NoError(t, cryptotx.CreatePendingTransaction(d, pending, nil))
	return pending
}
