package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // Import postgres
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"gopkg.in/urfave/cli.v1"

	"gitlab.com/permagate/payward/api"
	"gitlab.com/permagate/payward/asyncutil"
	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/gateway"
	"gitlab.com/permagate/payward/metrics"
	"gitlab.com/permagate/payward/poller"
	"gitlab.com/permagate/payward/util"
)

var log = build.AddSubLogger("MAIN")

var databaseConfig db.DatabaseConfig

func init() {
	databaseConfig = db.DatabaseConfig{
		User:           util.GetEnvOrElse("DB_USER", "payward"),
		Password:       util.GetEnvOrFail("DB_PASSWORD"),
		Host:           util.GetEnvOrElse("DB_HOST", "localhost"),
		ReaderHost:     os.Getenv("DB_READER_HOST"),
		Port:           util.GetDatabasePort(),
		Name:           util.GetEnvOrElse("DB_NAME", "payward"),
		MigrationsPath: db.DefaultMigrationsPath(),
	}
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "Starts the credit ledger api and the pending transaction poller",
	Action: func(c *cli.Context) (err error) {
		database, err := db.Open(databaseConfig)
		if err != nil {
			return err
		}
		defer func() { err = database.Close() }()

		if err := asyncutil.Await(5, time.Second, func() bool {
			return database.Ping() == nil
		}, "couldn't reach postgres"); err != nil {
			return err
		}

		gin.SetMode(util.GetEnvOrElse("GIN_MODE", gin.DebugMode))

		registry := prometheus.NewRegistry()
		ledgerMetrics := metrics.New(registry)

		stripe := gateway.NewStripeGateway(
			util.GetEnvOrFail("STRIPE_SECRET_KEY"), "")
		arweaveURL := util.GetEnvOrElse("ARWEAVE_GATEWAY", "https://arweave.net")
		rates, err := fiatRatesFromEnv()
		if err != nil {
			return err
		}
		oracle := gateway.NewArweaveOracle(arweaveURL, rates)

		config := api.Config{
			LogLevel:            log.Level,
			ReservationToken:    util.GetEnvOrFail("RESERVATION_TOKEN"),
			StripeWebhookSecret: util.GetEnvOrFail("STRIPE_WEBHOOK_SECRET"),
		}
		server, err := api.NewRestServer(database, stripe, oracle,
			ledgerMetrics, config)
		if err != nil {
			return err
		}
		server.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			registry, promhttp.HandlerOpts{})))

		chain := gateway.NewArweaveGateway(arweaveURL)
		store := countingStore{
			Store:   poller.NewStore(database),
			metrics: ledgerMetrics,
		}
		pendingPoller := poller.New(store, chain,
			poller.Config{
				Interval:          time.Minute,
				ExcludedAddresses: util.GetEnvAsList("CRYPTO_FUND_EXCLUDED_ADDRESSES"),
			})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go pendingPoller.Start(ctx)

		port := c.Int("port")
		if port == 0 {
			port = util.GetServicePort()
		}
		return server.Router.Run(":" + strconv.Itoa(port))
	},
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "port",
			Usage: "Port number to listen on",
		},
	},
}

var dbCommand = cli.Command{
	Name:  "db",
	Usage: "Database related commands",
	Subcommands: []cli.Command{
		{
			Name:    "up",
			Aliases: []string{"mu"},
			Usage:   "migrates the database up",
			Action: func(c *cli.Context) (err error) {
				database, err := db.Open(databaseConfig)
				if err != nil {
					return err
				}
				defer func() { err = database.Close() }()

				return database.MigrateOrReset()
			},
		},
		{
			Name:    "down",
			Aliases: []string{"md"},
			Usage:   "down x, migrates the database down x number of steps",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError(
						"You need to specify a number of steps to migrate down", 22)
				}
				database, err := db.Open(databaseConfig)
				if err != nil {
					return err
				}
				defer func() { err = database.Close() }()

				steps, err := strconv.Atoi(c.Args().First())
				if err != nil {
					return err
				}
				return database.MigrateDown(steps)
			},
		},
		{
			Name:    "status",
			Aliases: []string{"s"},
			Usage:   "check migrations status and version number",
			Action: func(c *cli.Context) error {
				database, err := db.Open(databaseConfig)
				if err != nil {
					return err
				}
				defer func() { err = database.Close() }()

				status, err := database.MigrationStatus()
				if err != nil {
					return err
				}
				fmt.Printf("version: %d dirty: %t\n", status.Version, status.Dirty)
				return nil
			},
		},
		{
			Name:    "newmigration",
			Aliases: []string{"nm"},
			Usage:   "newmigration `NAME`, creates new migration file",
			Action: func(c *cli.Context) error {
				migrationText := c.Args().First()
				if migrationText == "" {
					return cli.NewExitError(
						"you must provide a file name for the migration", 22)
				}
				database, err := db.Open(databaseConfig)
				if err != nil {
					return err
				}
				defer func() { _ = database.Close() }()

				return database.CreateMigration(migrationText)
			},
		},
		{
			Name:    "drop",
			Aliases: []string{"dr"},
			Usage:   "drops the entire database.",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "force",
					Usage: "Don't ask for confirmation before dropping the DB",
				},
			},
			Action: func(c *cli.Context) (err error) {
				database, err := db.Open(databaseConfig)
				if err != nil {
					return err
				}
				defer func() { err = database.Close() }()

				if !c.Bool("force") {
					fmt.Println("Are you sure you want to drop the entire database? y/n")
					if !askForConfirmation() {
						log.Debug("Not dropping DB")
						return nil
					}
				}
				if err := database.Drop(); err != nil {
					log.WithError(err).Error("Could not drop DB")
					return err
				}
				log.Info("Dropped DB")
				return nil
			},
		},
	},
}

// countingStore bumps the poller transition counters on successful moves.
type countingStore struct {
	poller.Store
	metrics *metrics.Metrics
}

func (s countingStore) CreditPendingTransaction(transactionID string, blockHeight int64) error {
	err := s.Store.CreditPendingTransaction(transactionID, blockHeight)
	if err == nil {
		s.metrics.TransactionsCredited.Inc()
	}
	return err
}

func (s countingStore) FailPendingTransaction(transactionID string, reason string) error {
	err := s.Store.FailPendingTransaction(transactionID, reason)
	if err == nil {
		s.metrics.TransactionsFailed.Inc()
	}
	return err
}

// fiatRatesFromEnv parses FIAT_CONVERSION_RATES, a comma list of
// currency=winc-per-minor-unit pairs, e.g. "usd=109000000,eur=117000000".
func fiatRatesFromEnv() (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range util.GetEnvAsList("FIAT_CONVERSION_RATES") {
		currency, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("malformed conversion rate %q", pair)
		}
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("malformed conversion rate %q: %w", pair, err)
		}
		rates[currency] = rate
	}
	return rates, nil
}

func askForConfirmation() bool {
	var response string
	if _, err := fmt.Scan(&response); err != nil {
		log.Fatal(err)
	}
	switch response {
	case "y", "Y", "yes", "Yes", "YES":
		return true
	case "n", "N", "no", "No", "NO":
		return false
	default:
		fmt.Println("Please type yes or no and then press enter:")
		return askForConfirmation()
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "payward"
	app.Usage = "Credit ledger for pay-as-you-go permanent storage"
	app.Version = build.Version()
	app.EnableBashCompletion = true
	// have log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		level, err := build.ToLogLevel(c.GlobalString("loglevel"))
		if err != nil {
			return err
		}
		build.SetLogLevels(level)
		return nil
	}
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "loglevel",
			Value: "info",
			Usage: "Logging level. trace, debug, info, warn, error or fatal",
		},
	}
	app.Commands = []cli.Command{
		serveCommand,
		dbCommand,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
