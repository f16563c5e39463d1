package db_test

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("db")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}

	os.Exit(result)
}

func TestIsSerializationFailure(t *testing.T) {
	t.Parallel()

	serialization := &pq.Error{Code: "40001"}
	testutil.AssertMsg(t, db.IsSerializationFailure(serialization),
		"SQLSTATE 40001 is a serialization failure")
	testutil.AssertMsg(t,
		db.IsSerializationFailure(errors.Wrap(serialization, "tx failed")),
		"wrapped serialization failures should be recognized")
	testutil.AssertMsg(t, !db.IsSerializationFailure(&pq.Error{Code: "23505"}),
		"unique violations are not retryable")
	testutil.AssertMsg(t, !db.IsSerializationFailure(errors.New("plain")),
		"plain errors are not retryable")
}

func TestWithTransaction(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			_, err := tx.Exec(`INSERT INTO users
				(user_address, user_address_type, winc_balance)
				VALUES ('tx-commit-user', 'arweave', '42')`)
			return err
		})
		require.NoError(t, err)

		var balance string
		require.NoError(t, testDB.Get(&balance,
			`SELECT winc_balance FROM users WHERE user_address = 'tx-commit-user'`))
		testutil.AssertEqual(t, "42", balance)
	})

	t.Run("rolls back when the callback errors", func(t *testing.T) {
		boom := errors.New("boom")
		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			if _, err := tx.Exec(`INSERT INTO users
				(user_address, user_address_type, winc_balance)
				VALUES ('tx-rollback-user', 'arweave', '42')`); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		var exists bool
		require.NoError(t, testDB.Get(&exists, `SELECT EXISTS
			(SELECT 1 FROM users WHERE user_address = 'tx-rollback-user')`))
		testutil.AssertMsg(t, !exists, "rolled back insert should not be visible")
	})

	t.Run("retries serialization failures", func(t *testing.T) {
		attempts := 0
		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			attempts++
			if attempts < 3 {
				return &pq.Error{Code: "40001"}
			}
			return nil
		})
		require.NoError(t, err)
		testutil.AssertEqual(t, 3, attempts)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		attempts := 0
		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			attempts++
			return &pq.Error{Code: "40001"}
		})
		require.Error(t, err)
		testutil.AssertMsg(t, db.IsSerializationFailure(err),
			"the final serialization failure should surface")
		testutil.AssertEqual(t, 3, attempts)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		attempts := 0
		boom := errors.New("boom")
		err := testDB.WithTransaction(func(tx *sqlx.Tx) error {
			attempts++
			return boom
		})
		require.ErrorIs(t, err, boom)
		testutil.AssertEqual(t, 1, attempts)
	})
}
