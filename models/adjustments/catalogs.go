// Package adjustments resolves the active adjustment catalogs and
// composes ordered discounts onto payment quotes and upload
// reservations. Catalogs come in three flavors: upload, payment, and
// single-use promo code; the promo flavor carries per-user and global
// usage limits that are asserted here.
package adjustments

import (
	"database/sql"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/amount"
)

var log = build.AddSubLogger("ADJ")

// Operator is how a catalog modifies a running amount
type Operator string

const (
	OperatorAdd      Operator = "add"
	OperatorMultiply Operator = "multiply"
)

// Exclusivity says whether a payment catalog alters the fiat charged
// (exclusive) or only the winc credited (inclusive).
type Exclusivity string

const (
	ExclusivityInclusive     Exclusivity = "inclusive"
	ExclusivityExclusive     Exclusivity = "exclusive"
	ExclusivityInclusiveKyve Exclusivity = "inclusive_kyve"
)

// TargetUserGroup limits who may use a single-use code
type TargetUserGroup string

const (
	TargetAll      TargetUserGroup = "all"
	TargetNew      TargetUserGroup = "new"
	TargetExisting TargetUserGroup = "existing"
)

// Exported errors. All surface to the caller without retry.
var (
	ErrPromoCodeNotFound          = errors.New("no promo code found for the given code value")
	ErrPromoCodeExpired           = errors.New("promo code has expired")
	ErrPromoCodeExceedsMaxUses    = errors.New("promo code has exceeded its max uses")
	ErrUserIneligibleForPromoCode = errors.New("user is ineligible for the promo code")
)

// UploadCatalog adjusts upload prices. Subsidies are modeled as multiply
// with a magnitude below 1.
type UploadCatalog struct {
	CatalogID         string          `db:"catalog_id"`
	Name              string          `db:"adjustment_name"`
	Description       string          `db:"adjustment_description"`
	Operator          Operator        `db:"operator"`
	OperatorMagnitude decimal.Decimal `db:"operator_magnitude"`
	Priority          int             `db:"adjustment_priority"`
	StartAt           time.Time       `db:"adjustment_start_date"`
	EndAt             sql.NullTime    `db:"adjustment_end_date"`
	// ByteCountThreshold gates the subsidy to uploads at or below this
	// size. Zero means no threshold.
	ByteCountThreshold int64 `db:"byte_count_threshold"`
	// WincLimitation caps the winc a single user may have discounted by
	// this catalog within the limitation interval. Zero means unlimited.
	WincLimitation         amount.Amount `db:"winc_limitation"`
	LimitationInterval     int           `db:"limitation_interval"`
	LimitationIntervalUnit string        `db:"limitation_interval_unit"`
}

// PaymentCatalog adjusts top-up quotes
type PaymentCatalog struct {
	CatalogID         string          `db:"catalog_id"`
	Name              string          `db:"adjustment_name"`
	Description       string          `db:"adjustment_description"`
	Operator          Operator        `db:"operator"`
	OperatorMagnitude decimal.Decimal `db:"operator_magnitude"`
	Priority          int             `db:"adjustment_priority"`
	StartAt           time.Time       `db:"adjustment_start_date"`
	EndAt             sql.NullTime    `db:"adjustment_end_date"`
	Exclusivity       Exclusivity     `db:"adjustment_exclusivity"`
}

// SingleUseCatalog is a payment catalog redeemed by code value
type SingleUseCatalog struct {
	CatalogID         string          `db:"catalog_id"`
	Name              string          `db:"adjustment_name"`
	Description       string          `db:"adjustment_description"`
	Operator          Operator        `db:"operator"`
	OperatorMagnitude decimal.Decimal `db:"operator_magnitude"`
	Priority          int             `db:"adjustment_priority"`
	StartAt           time.Time       `db:"adjustment_start_date"`
	EndAt             sql.NullTime    `db:"adjustment_end_date"`
	Exclusivity       Exclusivity     `db:"adjustment_exclusivity"`
	CodeValue         string          `db:"code_value"`
	TargetUserGroup   TargetUserGroup `db:"target_user_group"`
	// MaxUses caps redemptions across all users. Zero means unlimited.
	MaxUses int `db:"max_uses"`
	// MinimumPaymentAmount gates application: codes don't apply below
	// this running amount, in the currency's minor unit.
	MinimumPaymentAmount int64 `db:"minimum_payment_amount"`
	// MaximumDiscountAmount clamps the absolute discount. Zero means no
	// clamp.
	MaximumDiscountAmount int64 `db:"maximum_discount_amount"`
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx, so catalog reads
// and eligibility asserts can run standalone or inside a transaction.
type queryer interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
}

const uploadCatalogColumns = `catalog_id, adjustment_name,
	adjustment_description, operator, operator_magnitude,
	adjustment_priority, adjustment_start_date, adjustment_end_date,
	byte_count_threshold, winc_limitation, limitation_interval,
	limitation_interval_unit`

const paymentCatalogColumns = `catalog_id, adjustment_name,
	adjustment_description, operator, operator_magnitude,
	adjustment_priority, adjustment_start_date, adjustment_end_date,
	adjustment_exclusivity`

// GetUploadCatalogs returns the upload catalogs whose window contains
// now, ordered by priority.
func GetUploadCatalogs(d *db.DB, now time.Time) ([]UploadCatalog, error) {
	var catalogs []UploadCatalog
	err := d.Reader().Select(&catalogs, `SELECT `+uploadCatalogColumns+`
		FROM upload_adjustment_catalog
		WHERE adjustment_start_date <= $1
		  AND (adjustment_end_date IS NULL OR adjustment_end_date > $1)
		ORDER BY adjustment_priority ASC, catalog_id ASC`, now)
	return catalogs, errors.Wrap(err, "could not get upload catalogs")
}

// GetPaymentCatalogs returns the payment catalogs whose window contains
// now, ordered by priority. Inclusive fees in this set are always
// applied to quotes.
func GetPaymentCatalogs(d *db.DB, now time.Time) ([]PaymentCatalog, error) {
	var catalogs []PaymentCatalog
	err := d.Reader().Select(&catalogs, `SELECT `+paymentCatalogColumns+`
		FROM payment_adjustment_catalog
		WHERE adjustment_start_date <= $1
		  AND (adjustment_end_date IS NULL OR adjustment_end_date > $1)
		ORDER BY adjustment_priority ASC, catalog_id ASC`, now)
	return catalogs, errors.Wrap(err, "could not get payment catalogs")
}

// GetSingleUsePromoCodeAdjustments resolves the given promo codes for
// the user inside one read transaction, asserting eligibility for each.
// The returned catalogs preserve request order.
func GetSingleUsePromoCodeAdjustments(d *db.DB, codes []string,
	userAddress string) ([]SingleUseCatalog, error) {

	if len(codes) == 0 {
		return nil, nil
	}

	var chosen []SingleUseCatalog
	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		resolved, err := resolvePromoCodes(tx, codes, userAddress, time.Now())
		if err != nil {
			return err
		}
		chosen = resolved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chosen, nil
}

func resolvePromoCodes(q queryer, codes []string, userAddress string,
	now time.Time) ([]SingleUseCatalog, error) {

	var started []SingleUseCatalog
	err := q.Select(&started, `SELECT `+paymentCatalogColumns+`,
		code_value, target_user_group, max_uses, minimum_payment_amount,
		maximum_discount_amount
		FROM single_use_code_payment_adjustment_catalog
		WHERE adjustment_start_date <= $1
		ORDER BY adjustment_priority ASC, catalog_id ASC`, now)
	if err != nil {
		return nil, errors.Wrap(err, "could not get single use catalogs")
	}

	var chosen []SingleUseCatalog
	for _, code := range codes {
		var matches []SingleUseCatalog
		for _, catalog := range started {
			if catalog.CodeValue == code {
				matches = append(matches, catalog)
			}
		}
		if len(matches) == 0 {
			return nil, errors.Wrapf(ErrPromoCodeNotFound, "%q", code)
		}

		// Several catalogs can share a code value over time; the most
		// recently started one wins.
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].StartAt.Equal(matches[j].StartAt) {
				return matches[i].CatalogID > matches[j].CatalogID
			}
			return matches[i].StartAt.After(matches[j].StartAt)
		})
		catalog := matches[0]

		if err := AssertEligible(q, catalog, userAddress, now); err != nil {
			return nil, err
		}
		chosen = append(chosen, catalog)
	}
	return chosen, nil
}

// AssertEligible checks a single-use catalog against its usage limits
// for the given user. It is called both at quote time and re-asserted
// when the payment receipt is created.
func AssertEligible(q queryer, catalog SingleUseCatalog, userAddress string,
	now time.Time) error {

	if catalog.EndAt.Valid && now.After(catalog.EndAt.Time) {
		return errors.Wrapf(ErrPromoCodeExpired, "%q", catalog.CodeValue)
	}

	if catalog.MaxUses > 0 {
		uses, err := CountCatalogUses(q, catalog.CatalogID)
		if err != nil {
			return err
		}
		if uses >= catalog.MaxUses {
			return errors.Wrapf(ErrPromoCodeExceedsMaxUses, "%q", catalog.CodeValue)
		}
	}

	if catalog.TargetUserGroup == TargetNew {
		var receipts int
		err := q.Get(&receipts, `SELECT COUNT(*) FROM payment_receipt
			WHERE destination_address = $1`, userAddress)
		if err != nil {
			return errors.Wrap(err, "could not count payment receipts")
		}
		if receipts > 0 {
			return errors.Wrapf(ErrUserIneligibleForPromoCode,
				"%q is limited to new users", catalog.CodeValue)
		}
		return nil
	}

	// Single use per user: the user must not already have a payment
	// receipt linked to this catalog through an adjustment.
	var priorUses int
	err := q.Get(&priorUses, `SELECT COUNT(*) FROM payment_adjustment a
		WHERE a.user_address = $1 AND a.catalog_id = $2
		  AND EXISTS (SELECT 1 FROM payment_receipt r
			WHERE r.top_up_quote_id = a.top_up_quote_id)`,
		userAddress, catalog.CatalogID)
	if err != nil {
		return errors.Wrap(err, "could not count prior promo uses")
	}
	if priorUses > 0 {
		return errors.Wrapf(ErrUserIneligibleForPromoCode,
			"%q was already used by %s", catalog.CodeValue, userAddress)
	}
	return nil
}

// CountCatalogUses counts the settled payments that used the catalog,
// across all users. Outstanding quotes don't count as uses; a quote that
// over-subscribes a scarce code is rejected when its receipt settles.
func CountCatalogUses(q queryer, catalogID string) (int, error) {
	var uses int
	err := q.Get(&uses, `SELECT COUNT(*) FROM payment_adjustment a
		WHERE a.catalog_id = $1
		  AND (EXISTS (SELECT 1 FROM payment_receipt r
			WHERE r.top_up_quote_id = a.top_up_quote_id)
		   OR EXISTS (SELECT 1 FROM credited_payment_transaction c
			WHERE c.transaction_id = a.top_up_quote_id))`, catalogID)
	return uses, errors.Wrapf(err, "could not count uses of catalog %s", catalogID)
}
