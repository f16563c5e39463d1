// Package metrics counts the ledger events operators alert on. The
// registerer is injected so tests and embedders control registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ledger counters.
type Metrics struct {
	PaymentReceipts      prometheus.Counter
	ChargebackReceipts   prometheus.Counter
	GiftRedemptions      prometheus.Counter
	BalanceReservations  prometheus.Counter
	TransactionsCredited prometheus.Counter
	TransactionsFailed   prometheus.Counter
}

// New registers the ledger counters on the given registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PaymentReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payward_payment_receipts_total",
			Help: "Payment receipts created from provider successes",
		}),
		ChargebackReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payward_chargeback_receipts_total",
			Help: "Chargeback receipts created from provider disputes",
		}),
		GiftRedemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payward_gift_redemptions_total",
			Help: "Gifts redeemed to a wallet address",
		}),
		BalanceReservations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payward_balance_reservations_total",
			Help: "Upload balance reservations accepted",
		}),
		TransactionsCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payward_crypto_transactions_credited_total",
			Help: "Pending crypto transactions credited by the poller",
		}),
		TransactionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payward_crypto_transactions_failed_total",
			Help: "Pending crypto transactions failed by the poller",
		}),
	}

	registerer.MustRegister(
		m.PaymentReceipts,
		m.ChargebackReceipts,
		m.GiftRedemptions,
		m.BalanceReservations,
		m.TransactionsCredited,
		m.TransactionsFailed,
	)
	return m
}
