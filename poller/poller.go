// Package poller periodically advances pending crypto transactions by
// asking the chain gateway for their status. Each row's transition runs
// in its own database transaction; one stuck row never blocks the rest.
package poller

import (
	"context"
	"time"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/gateway"
	"gitlab.com/permagate/payward/models/cryptotx"
)

var log = build.AddSubLogger("POLL")

// notFoundGraceReason is recorded when a transaction stayed unknown to
// the gateway past the grace period.
const notFoundGraceReason = "not found after grace period"

// excludedAddressReason is recorded when a confirmed transaction's
// destination is one of the operator's own fund addresses.
const excludedAddressReason = "destination address is excluded from crediting"

// Store is the slice of the ledger the poller drives.
type Store interface {
	ListPendingTransactions() ([]cryptotx.PendingTransaction, error)
	CreditPendingTransaction(transactionID string, blockHeight int64) error
	FailPendingTransaction(transactionID string, reason string) error
}

// ledgerStore binds Store to the cryptotx model.
type ledgerStore struct {
	d *db.DB
}

func (s ledgerStore) ListPendingTransactions() ([]cryptotx.PendingTransaction, error) {
	return cryptotx.ListPendingTransactions(s.d)
}

func (s ledgerStore) CreditPendingTransaction(transactionID string, blockHeight int64) error {
	return cryptotx.CreditPendingTransaction(s.d, transactionID, blockHeight)
}

func (s ledgerStore) FailPendingTransaction(transactionID string, reason string) error {
	return cryptotx.FailPendingTransaction(s.d, transactionID, reason)
}

// NewStore wraps the database as a poller Store.
func NewStore(d *db.DB) Store {
	return ledgerStore{d: d}
}

// Config tunes the polling cadence.
type Config struct {
	// Interval between ticks. Defaults to a minute.
	Interval time.Duration
	// GracePeriod is how long a transaction may stay unknown to the
	// gateway before it is failed. Defaults to 48 hours.
	GracePeriod time.Duration
	// TickTimeout bounds one whole tick. Rows not reached before the
	// timeout are retried next tick. Defaults to the interval.
	TickTimeout time.Duration
	// ExcludedAddresses are the operator's own fund addresses. Confirmed
	// transactions destined to one of them are failed, never credited.
	ExcludedAddresses []string
}

// Poller advances pending transactions on a fixed cadence.
type Poller struct {
	store    Store
	gateway  gateway.ChainGateway
	config   Config
	excluded map[string]bool
}

// New builds a poller. Zero config fields get defaults.
func New(store Store, chainGateway gateway.ChainGateway, config Config) *Poller {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 48 * time.Hour
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = config.Interval
	}
	excluded := make(map[string]bool, len(config.ExcludedAddresses))
	for _, address := range config.ExcludedAddresses {
		excluded[address] = true
	}
	return &Poller{
		store:    store,
		gateway:  chainGateway,
		config:   config,
		excluded: excluded,
	}
}

// Start ticks until the context is canceled.
func (p *Poller) Start(ctx context.Context) {
	log.WithField("interval", p.config.Interval).Info("Starting pending transaction poller")
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping pending transaction poller")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick advances every pending transaction once. Row failures are
// logged and skipped; the row is retried next tick.
func (p *Poller) Tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.config.TickTimeout)
	defer cancel()

	pending, err := p.store.ListPendingTransactions()
	if err != nil {
		log.WithError(err).Error("Could not list pending transactions")
		return
	}

	for _, transaction := range pending {
		if ctx.Err() != nil {
			log.Warn("Tick timed out, remaining rows retried next tick")
			return
		}
		p.advance(ctx, transaction)
	}
}

func (p *Poller) advance(ctx context.Context, transaction cryptotx.PendingTransaction) {
	rowLog := log.WithField("transactionId", transaction.TransactionID)

	status, err := p.gateway.GetTransactionStatus(ctx, transaction.TransactionID)
	if err != nil {
		rowLog.WithError(err).Warn("Could not get transaction status")
		return
	}

	switch status.Status {
	case gateway.StatusConfirmed:
		if p.excluded[transaction.DestinationAddress] {
			rowLog.Warn("Confirmed transaction destined to an excluded address")
			if err := p.store.FailPendingTransaction(
				transaction.TransactionID, excludedAddressReason); err != nil {
				rowLog.WithError(err).Error("Could not fail transaction")
			}
			return
		}
		if err := p.store.CreditPendingTransaction(
			transaction.TransactionID, status.BlockHeight); err != nil {
			rowLog.WithError(err).Error("Could not credit transaction")
		}

	case gateway.StatusPending:
		// still propagating, check again next tick

	case gateway.StatusNotFound:
		if time.Since(transaction.CreatedAt) <= p.config.GracePeriod {
			return
		}
		if err := p.store.FailPendingTransaction(
			transaction.TransactionID, notFoundGraceReason); err != nil {
			rowLog.WithError(err).Error("Could not fail transaction")
		}

	default:
		rowLog.WithField("status", status.Status).
			Warn("Gateway reported unknown status")
	}
}
