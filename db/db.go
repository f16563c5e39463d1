package db

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/permagate/payward/build"
)

var log = build.AddSubLogger("DB")

// DatabaseConfig has all the values we need to connect to a DB
type DatabaseConfig struct {
	// The user to use when connecting
	User     string
	Password string
	// Host is the writer (primary) host
	Host string
	// ReaderHost is an optional read replica. Empty means reads go to the
	// writer.
	ReaderHost string
	Port       int
	// The name of the DB to connect to
	Name string

	// MigrationsPath is where our migrations are located, in
	// golang-migrate URL form, e.g. file://db/migrations
	MigrationsPath string
}

// DB holds the writer pool, and a reader pool when a replica is
// configured. All mutating paths go through the writer; standalone reads
// may use the reader. Reads inside a mutating transaction always observe
// the writer, since they run on the writer's transaction handle.
type DB struct {
	*sqlx.DB
	reader *sqlx.DB

	MigrationsPath string
}

func connectionString(conf DatabaseConfig, host string) string {
	q := make(url.Values)
	q.Set("sslmode", "disable")
	q.Set("timezone", "utc")

	databaseURL := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conf.User, conf.Password),
		Host:     host + ":" + strconv.Itoa(conf.Port),
		Path:     conf.Name,
		RawQuery: q.Encode(),
	}
	return databaseURL.String()
}

// Open connects to the configured database, opening a separate reader
// pool when a replica host is given.
func Open(conf DatabaseConfig) (*DB, error) {
	writer, err := sqlx.Open("postgres", connectionString(conf, conf.Host))
	if err != nil {
		return nil, errors.Wrapf(err,
			"cannot connect to database %s with user %s at %s",
			conf.Name, conf.User, conf.Host)
	}

	reader := writer
	if conf.ReaderHost != "" && conf.ReaderHost != conf.Host {
		reader, err = sqlx.Open("postgres", connectionString(conf, conf.ReaderHost))
		if err != nil {
			return nil, errors.Wrapf(err,
				"cannot connect to read replica at %s", conf.ReaderHost)
		}
	}

	log.WithFields(logrus.Fields{
		"host":     conf.Host,
		"reader":   conf.ReaderHost,
		"user":     conf.User,
		"database": conf.Name,
	}).Info("Opened connection to DB")

	return &DB{
		DB:             writer,
		reader:         reader,
		MigrationsPath: conf.MigrationsPath,
	}, nil
}

// Reader returns the pool read-only queries should use.
func (d *DB) Reader() *sqlx.DB {
	return d.reader
}

// Close closes both pools.
func (d *DB) Close() error {
	if d.reader != d.DB {
		if err := d.reader.Close(); err != nil {
			return err
		}
	}
	return d.DB.Close()
}

// MigrateOrReset applies migrations to the DB. If already applied, drops
// the db first, then applies migrations
func (d *DB) MigrateOrReset() error {
	err := d.MigrateUp()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return d.Reset()
		}
		return errors.Wrap(err, "could not migrate or reset")
	}
	return nil
}

// Teardown drops the database, removing all data and schemas
func (d *DB) Teardown() error {
	if err := d.Drop(); err != nil {
		return fmt.Errorf("cannot teardown DB: %w", err)
	}
	return nil
}

// Reset first drops the DB, then applies migrations
func (d *DB) Reset() error {
	if err := d.Teardown(); err != nil {
		return err
	}
	if err := d.MigrateUp(); err != nil {
		return err
	}
	return nil
}
