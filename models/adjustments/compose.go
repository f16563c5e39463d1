package adjustments

import (
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/amount"
)

// AppliedPayment is one composed adjustment bound to a top-up quote (or
// crypto transaction). Delta is signed: fiat minor units for exclusive
// entries, winc for inclusive entries.
type AppliedPayment struct {
	CatalogID string
	Index     int
	Delta     amount.Amount
	Currency  string
}

// AppliedUpload is one composed adjustment bound to a reservation.
// Delta is the winc discounted: Σ deltas + reservedWinc == networkWinc.
type AppliedUpload struct {
	CatalogID string
	Index     int
	Delta     amount.Amount
}

// PaymentComposition is the result of running a quote's gross fiat
// amount through the active exclusive and inclusive adjustments.
type PaymentComposition struct {
	// QuotedPaymentAmount is the gross amount before exclusive codes
	QuotedPaymentAmount amount.Amount
	// PaymentAmount is what the provider will charge
	PaymentAmount amount.Amount
	// WincAmount is the winc credited after inclusive fees
	WincAmount amount.Amount
	Applied    []AppliedPayment
}

func applyOperator(current amount.Amount, operator Operator,
	magnitude decimal.Decimal) amount.Amount {

	if operator == OperatorAdd {
		return current.Plus(amount.MustNew(magnitude.Truncate(0).String()))
	}
	return current.Times(magnitude)
}

// ComposePaymentAdjustments applies exclusive promo codes to the gross
// fiat amount and inclusive fees to the winc amount, in catalog-priority
// order, producing the ordered adjustment rows to persist alongside the
// quote. Eligibility of the promo catalogs must already be asserted.
func ComposePaymentAdjustments(gross amount.Amount, winc amount.Amount,
	currency string, promos []SingleUseCatalog,
	inclusives []PaymentCatalog) PaymentComposition {

	composition := PaymentComposition{
		QuotedPaymentAmount: gross,
		PaymentAmount:       gross,
		WincAmount:          winc,
	}
	index := 0

	for _, catalog := range promos {
		running := composition.PaymentAmount
		if catalog.MinimumPaymentAmount > 0 &&
			amount.FromInt64(catalog.MinimumPaymentAmount).IsGreaterThan(running) {
			log.WithField("code", catalog.CodeValue).
				Debug("Skipping promo code below its payment minimum")
			continue
		}

		// multiplicative codes store delta = running * (magnitude - 1),
		// truncated toward zero; additive codes store the magnitude itself
		var delta amount.Amount
		if catalog.Operator == OperatorMultiply {
			delta = running.Times(catalog.OperatorMagnitude.Sub(decimal.NewFromInt(1)))
		} else {
			delta = amount.MustNew(catalog.OperatorMagnitude.Truncate(0).String())
		}
		if catalog.MaximumDiscountAmount > 0 {
			maxDiscount := amount.FromInt64(catalog.MaximumDiscountAmount)
			if delta.Negated().IsGreaterThan(maxDiscount) {
				delta = maxDiscount.Negated()
			}
		}

		composition.PaymentAmount = running.Plus(delta)
		composition.Applied = append(composition.Applied, AppliedPayment{
			CatalogID: catalog.CatalogID,
			Index:     index,
			Delta:     delta,
			Currency:  currency,
		})
		index++
	}

	for _, catalog := range inclusives {
		if catalog.Exclusivity == ExclusivityExclusive {
			continue
		}
		runningWinc := composition.WincAmount
		adjustedWinc := applyOperator(runningWinc, catalog.Operator,
			catalog.OperatorMagnitude)
		composition.WincAmount = adjustedWinc
		composition.Applied = append(composition.Applied, AppliedPayment{
			CatalogID: catalog.CatalogID,
			Index:     index,
			Delta:     adjustedWinc.Minus(runningWinc),
			Currency:  currency,
		})
		index++
	}

	return composition
}

// UploadComposition is the result of running a network price through the
// active upload catalogs.
type UploadComposition struct {
	NetworkWinc  amount.Amount
	ReservedWinc amount.Amount
	Applied      []AppliedUpload
}

// WincUsedFunc reports the winc already discounted for a user by a
// catalog within its limitation interval.
type WincUsedFunc func(catalogID string) (amount.Amount, error)

// ComposeUploadAdjustments applies the upload catalogs to the network
// price for an upload of the given size. Catalogs with a byte-count
// threshold skip uploads above it; catalogs with a winc limitation cap
// the discount at what the user has left in the interval.
func ComposeUploadAdjustments(networkWinc amount.Amount, byteCount int64,
	catalogs []UploadCatalog, wincUsed WincUsedFunc) (UploadComposition, error) {

	composition := UploadComposition{
		NetworkWinc:  networkWinc,
		ReservedWinc: networkWinc,
	}
	index := 0

	for _, catalog := range catalogs {
		if catalog.ByteCountThreshold > 0 && byteCount > catalog.ByteCountThreshold {
			continue
		}

		running := composition.ReservedWinc
		adjusted := applyOperator(running, catalog.Operator, catalog.OperatorMagnitude)
		discount := running.Minus(adjusted)

		if !catalog.WincLimitation.IsZero() && discount.IsNonZeroPositiveInteger() {
			used, err := wincUsed(catalog.CatalogID)
			if err != nil {
				return UploadComposition{}, err
			}
			remaining := catalog.WincLimitation.Minus(used)
			if !remaining.IsNonZeroPositiveInteger() {
				continue
			}
			if discount.IsGreaterThan(remaining) {
				discount = remaining
				adjusted = running.Minus(discount)
			}
		}

		composition.ReservedWinc = adjusted
		composition.Applied = append(composition.Applied, AppliedUpload{
			CatalogID: catalog.CatalogID,
			Index:     index,
			Delta:     discount,
		})
		index++
	}

	return composition, nil
}

// InsertPaymentAdjustments persists composed payment adjustments within
// the caller's transaction, preserving application order. purchaseID is
// the top-up quote id, or the chain transaction id for crypto credits.
func InsertPaymentAdjustments(tx *sqlx.Tx, purchaseID string,
	userAddress string, applied []AppliedPayment) error {

	for _, adjustment := range applied {
		_, err := tx.Exec(`INSERT INTO payment_adjustment
			(adjustment_id, catalog_id, top_up_quote_id, user_address,
			 adjustment_index, adjusted_payment_amount, adjusted_currency_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), adjustment.CatalogID, purchaseID, userAddress,
			adjustment.Index, adjustment.Delta, adjustment.Currency)
		if err != nil {
			return errors.Wrapf(err,
				"could not insert payment adjustment %d for %s",
				adjustment.Index, purchaseID)
		}
	}
	return nil
}

// InsertUploadAdjustments persists composed upload adjustments within
// the caller's transaction, preserving application order.
func InsertUploadAdjustments(tx *sqlx.Tx, reservationID string,
	userAddress string, applied []AppliedUpload) error {

	for _, adjustment := range applied {
		_, err := tx.Exec(`INSERT INTO upload_adjustment
			(adjustment_id, catalog_id, reservation_id, user_address,
			 adjustment_index, adjusted_winc_amount)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), adjustment.CatalogID, reservationID,
			userAddress, adjustment.Index, adjustment.Delta)
		if err != nil {
			return errors.Wrapf(err,
				"could not insert upload adjustment %d for %s",
				adjustment.Index, reservationID)
		}
	}
	return nil
}

// intervalUnits whitelists the SQL interval units a catalog limitation
// may use.
var intervalUnits = map[string]bool{
	"minute": true,
	"hour":   true,
	"day":    true,
	"week":   true,
	"month":  true,
	"year":   true,
}

// GetWincUsedForUploadCatalog sums the winc the user has had discounted
// by the catalog within the trailing interval.
func GetWincUsedForUploadCatalog(d *db.DB, userAddress string,
	catalogID string, interval int, intervalUnit string) (amount.Amount, error) {

	if !intervalUnits[intervalUnit] {
		return amount.Zero(), errors.Errorf(
			"invalid limitation interval unit %q", intervalUnit)
	}

	var used amount.Amount
	err := d.Reader().Get(&used, `SELECT
		COALESCE(SUM(adjusted_winc_amount::NUMERIC), 0)::TEXT
		FROM upload_adjustment
		WHERE user_address = $1 AND catalog_id = $2
		  AND adjustment_date > NOW() - ($3 * ('1 ' || $4)::INTERVAL)`,
		userAddress, catalogID, interval, intervalUnit)
	if err != nil {
		return amount.Zero(), errors.Wrapf(err,
			"could not sum winc used for catalog %s", catalogID)
	}
	return used, nil
}

// WincUsedForUser builds a WincUsedFunc over the catalogs in play
// during an upload composition.
func WincUsedForUser(d *db.DB, userAddress string,
	catalogs []UploadCatalog) WincUsedFunc {

	byID := make(map[string]UploadCatalog, len(catalogs))
	for _, catalog := range catalogs {
		byID[catalog.CatalogID] = catalog
	}
	return func(catalogID string) (amount.Amount, error) {
		catalog, ok := byID[catalogID]
		if !ok {
			return amount.Zero(), errors.Errorf("unknown catalog %s", catalogID)
		}
		return GetWincUsedForUploadCatalog(d, userAddress,
			catalog.CatalogID, catalog.LimitationInterval,
			catalog.LimitationIntervalUnit)
	}
}
