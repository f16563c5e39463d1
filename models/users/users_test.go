package users_test

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/audit"
	"gitlab.com/permagate/payward/models/users"
	"gitlab.com/permagate/payward/testutil"
	"gitlab.com/permagate/payward/testutil/ledgertestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("users")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	rand.Seed(time.Now().UnixNano())

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}

	os.Exit(result)
}

// assertAuditMatchesBalance checks the universal invariant: the user's
// audit deltas sum to their balance.
func assertAuditMatchesBalance(t *testing.T, address string) {
	t.Helper()
	balance, err := users.GetBalance(testDB, address)
	require.NoError(t, err)
	sum, err := audit.SumForUser(testDB, address)
	require.NoError(t, err)
	testutil.AssertMsgf(t, balance.IsEqualTo(sum),
		"audit sum %s does not match balance %s for %s", sum, balance, address)
}

func TestGetByAddress(t *testing.T) {
	t.Run("returns the inserted user", func(t *testing.T) {
		created := ledgertestutil.CreateUserOrFail(t, testDB,
			amount.MustNew("500"))

		found, err := users.GetByAddress(testDB, created.Address)
		require.NoError(t, err)
		testutil.AssertEqual(t, created.Address, found.Address)
		testutil.AssertEqual(t, "500", found.WincBalance.String())
		testutil.AssertEqual(t, users.Arweave, found.AddressType)
	})

	t.Run("unknown address yields ErrUserNotFound", func(t *testing.T) {
		_, err := users.GetByAddress(testDB, ledgertestutil.RandomAddress())
		require.ErrorIs(t, err, users.ErrUserNotFound)

		_, err = users.GetBalance(testDB, ledgertestutil.RandomAddress())
		require.ErrorIs(t, err, users.ErrUserNotFound)
	})
}

func TestCreditOrCreate(t *testing.T) {
	t.Run("creates the user on first credit", func(t *testing.T) {
		address := ledgertestutil.RandomAddress()

		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			_, err := users.CreditOrCreate(tx, users.CreditOrCreateArgs{
				Address:        address,
				AddressType:    users.Arweave,
				Winc:           amount.MustNew("500"),
				CreatedReason:  audit.ReasonAccountCreation,
				CreditedReason: audit.ReasonPayment,
				ChangeID:       "r1",
			})
			return err
		})
		require.NoError(t, err)

		balance, err := users.GetBalance(testDB, address)
		require.NoError(t, err)
		testutil.AssertEqual(t, "500", balance.String())

		entries, err := audit.ListForUser(testDB, address)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		testutil.AssertEqual(t, audit.ReasonAccountCreation, entries[0].ChangeReason)
		testutil.AssertEqual(t, "r1", entries[0].ChangeID.String)
		assertAuditMatchesBalance(t, address)
	})

	t.Run("credits an existing user with the credited reason", func(t *testing.T) {
		user := ledgertestutil.CreateUserOrFail(t, testDB, amount.MustNew("100"))

		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			_, err := users.CreditOrCreate(tx, users.CreditOrCreateArgs{
				Address:        user.Address,
				AddressType:    users.Arweave,
				Winc:           amount.MustNew("37"),
				CreatedReason:  audit.ReasonAccountCreation,
				CreditedReason: audit.ReasonPayment,
				ChangeID:       "r2",
			})
			return err
		})
		require.NoError(t, err)

		balance, err := users.GetBalance(testDB, user.Address)
		require.NoError(t, err)
		testutil.AssertEqual(t, "137", balance.String())

		entries, err := audit.ListForUser(testDB, user.Address)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		testutil.AssertEqual(t, audit.ReasonPayment, entries[1].ChangeReason)
		assertAuditMatchesBalance(t, user.Address)
	})
}

func TestDebit(t *testing.T) {
	t.Run("debits and audits the negative delta", func(t *testing.T) {
		user := ledgertestutil.CreateUserOrFail(t, testDB, amount.MustNew("500"))

		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			_, err := users.Debit(tx, user.Address, amount.MustNew("123"),
				audit.ReasonChargeback, "cb1")
			return err
		})
		require.NoError(t, err)

		balance, err := users.GetBalance(testDB, user.Address)
		require.NoError(t, err)
		testutil.AssertEqual(t, "377", balance.String())

		entries, err := audit.ListForUser(testDB, user.Address)
		require.NoError(t, err)
		last := entries[len(entries)-1]
		testutil.AssertEqual(t, "-123", last.WincDelta.String())
		testutil.AssertEqual(t, audit.ReasonChargeback, last.ChangeReason)
		assertAuditMatchesBalance(t, user.Address)
	})

	t.Run("may take the balance below zero", func(t *testing.T) {
		user := ledgertestutil.CreateUserOrFail(t, testDB, amount.MustNew("10"))

		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			_, err := users.Debit(tx, user.Address, amount.MustNew("25"),
				audit.ReasonChargeback, "cb2")
			return err
		})
		require.NoError(t, err)

		balance, err := users.GetBalance(testDB, user.Address)
		require.NoError(t, err)
		testutil.AssertEqual(t, "-15", balance.String())
		assertAuditMatchesBalance(t, user.Address)
	})

	t.Run("debiting an unknown user fails", func(t *testing.T) {
		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			_, err := users.Debit(tx, ledgertestutil.RandomAddress(),
				amount.MustNew("1"), audit.ReasonChargeback, "cb3")
			return err
		})
		require.ErrorIs(t, err, users.ErrUserNotFound)
	})
}

func TestValidAddressType(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"arweave", "solana", "ethereum", "kyve", "matic"} {
		testutil.AssertMsgf(t, users.ValidAddressType(valid),
			"%s should be a valid address type", valid)
	}
	testutil.AssertMsg(t, !users.ValidAddressType("bitcoin"),
		"bitcoin is not a supported address type")
	testutil.AssertMsg(t, !users.ValidAddressType("email"),
		"email is a gift destination, not an address type")
}
