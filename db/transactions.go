package db

import (
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// serializationFailure is the SQLSTATE Postgres reports when concurrent
// transactions cannot be serialized. These are safe to retry from the top.
const serializationFailure = "40001"

// maxTxRetries is how many times WithTransaction re-runs a transaction
// that failed with a serialization error before giving up.
const maxTxRetries = 3

// IsSerializationFailure reports whether the given error is a Postgres
// serialization failure.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == serializationFailure
	}
	return false
}

// WithTransaction runs fn within BEGIN ... COMMIT on the writer pool,
// rolling back if fn errors. Serialization failures are retried up to
// maxTxRetries times; any other error surfaces to the caller untouched.
func (d *DB) WithTransaction(fn func(tx *sqlx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = d.runTransaction(fn)
		if err == nil || !IsSerializationFailure(err) {
			return err
		}
		log.WithError(err).WithField("attempt", attempt+1).
			Warn("Retrying transaction after serialization failure")
	}
	return err
}

func (d *DB) runTransaction(fn func(tx *sqlx.Tx) error) error {
	tx, err := d.Beginx()
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "could not commit transaction")
	}
	return nil
}
