package topup

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/audit"
	"gitlab.com/permagate/payward/models/users"
)

// RedeemGiftParams identifies the gift and where its winc should land
type RedeemGiftParams struct {
	ReceiptID              string
	RecipientEmail         string
	DestinationAddress     string
	DestinationAddressType users.AddressType
}

// RedeemedGiftResult is what a successful redemption yields
type RedeemedGiftResult struct {
	User         users.User
	WincRedeemed amount.Amount
}

// RedeemGift moves an unredeemed gift to redeemed and credits the
// destination user, creating the user when absent.
func RedeemGift(d *db.DB, params RedeemGiftParams) (RedeemedGiftResult, error) {
	var result RedeemedGiftResult
	err := d.WithTransaction(func(tx *sqlx.Tx) error {
		gift, err := getUnredeemedGiftForUpdate(tx, params.ReceiptID)
		if err == sql.ErrNoRows {
			redeemed, redeemedErr := redeemedGiftExists(tx, params.ReceiptID)
			if redeemedErr != nil {
				return redeemedErr
			}
			if redeemed {
				return errors.Wrapf(ErrGiftAlreadyRedeemed, "gift %s",
					params.ReceiptID)
			}
			return errors.Wrapf(ErrGiftRedemption, "no gift %s",
				params.ReceiptID)
		}
		if err != nil {
			return err
		}

		if gift.RecipientEmail != params.RecipientEmail {
			return errors.Wrapf(ErrGiftRedemption,
				"recipient email does not match gift %s", params.ReceiptID)
		}
		if time.Now().After(gift.ExpiresAt) {
			return errors.Wrapf(ErrGiftRedemption, "gift %s expired at %s",
				params.ReceiptID, gift.ExpiresAt)
		}

		if _, err := tx.Exec(
			`DELETE FROM unredeemed_gift WHERE payment_receipt_id = $1`,
			params.ReceiptID); err != nil {
			return errors.Wrapf(err, "could not delete unredeemed gift %s",
				params.ReceiptID)
		}

		redeemed := RedeemedGift{
			UnredeemedGift:     gift,
			DestinationAddress: params.DestinationAddress,
		}
		if _, err := tx.NamedExec(`INSERT INTO redeemed_gift
			(payment_receipt_id, gifted_winc_amount, recipient_email,
			 sender_email, gift_message, gift_creation_date,
			 gift_expiration_date, destination_address)
			VALUES (:payment_receipt_id, :gifted_winc_amount,
			 :recipient_email, :sender_email, :gift_message,
			 :gift_creation_date, :gift_expiration_date,
			 :destination_address)`, redeemed); err != nil {
			return errors.Wrapf(err, "could not insert redeemed gift %s",
				params.ReceiptID)
		}

		user, err := users.CreditOrCreate(tx, users.CreditOrCreateArgs{
			Address:        params.DestinationAddress,
			AddressType:    params.DestinationAddressType,
			Winc:           gift.WincAmount,
			CreatedReason:  audit.ReasonGiftedAccountCreation,
			CreditedReason: audit.ReasonGiftedPaymentRedemption,
			ChangeID:       params.ReceiptID,
		})
		if err != nil {
			return err
		}

		result = RedeemedGiftResult{User: user, WincRedeemed: gift.WincAmount}
		return nil
	})
	if err != nil {
		return RedeemedGiftResult{}, err
	}

	log.WithField("receiptId", params.ReceiptID).
		WithField("address", params.DestinationAddress).
		Info("Redeemed gift")
	return result, nil
}

func getUnredeemedGiftForUpdate(tx *sqlx.Tx, receiptID string) (UnredeemedGift, error) {
	var gift UnredeemedGift
	err := tx.Get(&gift, `SELECT `+giftColumns+`
		FROM unredeemed_gift WHERE payment_receipt_id = $1 FOR UPDATE`,
		receiptID)
	return gift, err
}

func redeemedGiftExists(tx *sqlx.Tx, receiptID string) (bool, error) {
	var exists bool
	err := tx.Get(&exists, `SELECT EXISTS
		(SELECT 1 FROM redeemed_gift WHERE payment_receipt_id = $1)`,
		receiptID)
	return exists, errors.Wrapf(err, "could not check redeemed gift %s", receiptID)
}

// GetUnredeemedGift reads an unredeemed gift outside a transaction.
func GetUnredeemedGift(d *db.DB, receiptID string) (UnredeemedGift, error) {
	var gift UnredeemedGift
	err := d.Reader().Get(&gift, `SELECT `+giftColumns+`
		FROM unredeemed_gift WHERE payment_receipt_id = $1`, receiptID)
	if err == sql.ErrNoRows {
		return UnredeemedGift{}, errors.Wrapf(ErrGiftRedemption,
			"no gift %s", receiptID)
	}
	return gift, errors.Wrapf(err, "GetUnredeemedGift(%s)", receiptID)
}
