package topup_test

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/db"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/audit"
	"gitlab.com/permagate/payward/models/topup"
	"gitlab.com/permagate/payward/models/users"
	"gitlab.com/permagate/payward/testutil"
	"gitlab.com/permagate/payward/testutil/ledgertestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("topup")
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

func settleQuoteOrFail(t *testing.T, quote topup.TopUpQuote,
	receiptID string) *topup.UnredeemedGift {
	t.Helper()
	gift, err := topup.CreatePaymentReceipt(testDB, topup.CreatePaymentReceiptParams{
		TopUpQuoteID:  quote.QuoteID,
		ReceiptID:     receiptID,
		PaymentAmount: quote.PaymentAmount,
		Currency:      quote.Currency,
	})
	require.NoError(t, err)
	return gift
}

func TestCreatePaymentReceipt(t *testing.T) {
	t.Run("settling a quote creates the user at the quoted winc", func(t *testing.T) {
		address := ledgertestutil.RandomAddress()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, address,
			string(users.Arweave), amount.MustNew("100"), amount.MustNew("500"))

		gift := settleQuoteOrFail(t, quote, "r1")
		testutil.AssertMsg(t, gift == nil, "a wallet top-up is not a gift")

		balance, err := users.GetBalance(testDB, address)
		require.NoError(t, err)
		testutil.AssertEqual(t, "500", balance.String())

		entries, err := audit.ListForUser(testDB, address)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		testutil.AssertEqual(t, audit.ReasonAccountCreation, entries[0].ChangeReason)
		testutil.AssertEqual(t, "r1", entries[0].ChangeID.String)

		receipt, err := topup.GetPaymentReceiptByQuoteID(testDB, quote.QuoteID)
		require.NoError(t, err)
		testutil.AssertEqual(t, "r1", receipt.ReceiptID)

		settled, err := topup.CheckForExistingPayment(testDB, quote.QuoteID)
		require.NoError(t, err)
		testutil.AssertMsg(t, settled, "quote should be settled")
	})

	t.Run("a consumed quote cannot settle twice", func(t *testing.T) {
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB,
			ledgertestutil.RandomAddress(), string(users.Arweave),
			amount.MustNew("100"), amount.MustNew("500"))
		settleQuoteOrFail(t, quote, uuid.NewString())

		_, err := topup.CreatePaymentReceipt(testDB, topup.CreatePaymentReceiptParams{
			TopUpQuoteID:  quote.QuoteID,
			ReceiptID:     uuid.NewString(),
			PaymentAmount: quote.PaymentAmount,
			Currency:      quote.Currency,
		})
		require.ErrorIs(t, err, topup.ErrTopUpQuoteNotFound)
	})

	t.Run("over-payment is credited at the quoted winc", func(t *testing.T) {
		address := ledgertestutil.RandomAddress()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, address,
			string(users.Arweave), amount.MustNew("10100"), amount.MustNew("1337"))

		// the provider added a tax line on top of the quoted amount
		_, err := topup.CreatePaymentReceipt(testDB, topup.CreatePaymentReceiptParams{
			TopUpQuoteID:  quote.QuoteID,
			ReceiptID:     uuid.NewString(),
			PaymentAmount: amount.MustNew("10731"),
			Currency:      "usd",
		})
		require.NoError(t, err)

		balance, err := users.GetBalance(testDB, address)
		require.NoError(t, err)
		testutil.AssertEqual(t, "1337", balance.String())
	})

	t.Run("under-payment by one fails and keeps the quote", func(t *testing.T) {
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB,
			ledgertestutil.RandomAddress(), string(users.Arweave),
			amount.MustNew("10100"), amount.MustNew("1337"))

		_, err := topup.CreatePaymentReceipt(testDB, topup.CreatePaymentReceiptParams{
			TopUpQuoteID:  quote.QuoteID,
			ReceiptID:     uuid.NewString(),
			PaymentAmount: amount.MustNew("10099"),
			Currency:      "usd",
		})
		require.ErrorIs(t, err, topup.ErrPaymentMismatch)

		_, err = topup.GetTopUpQuote(testDB, quote.QuoteID)
		require.NoError(t, err)
	})

	t.Run("currency mismatch fails", func(t *testing.T) {
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB,
			ledgertestutil.RandomAddress(), string(users.Arweave),
			amount.MustNew("100"), amount.MustNew("500"))

		_, err := topup.CreatePaymentReceipt(testDB, topup.CreatePaymentReceiptParams{
			TopUpQuoteID:  quote.QuoteID,
			ReceiptID:     uuid.NewString(),
			PaymentAmount: amount.MustNew("100"),
			Currency:      "eur",
		})
		require.ErrorIs(t, err, topup.ErrPaymentMismatch)
	})

	t.Run("an expired quote cannot settle", func(t *testing.T) {
		now := time.Now()
		quote := topup.TopUpQuote{
			QuoteID:                uuid.NewString(),
			DestinationAddress:     ledgertestutil.RandomAddress(),
			DestinationAddressType: string(users.Arweave),
			PaymentAmount:          amount.MustNew("100"),
			QuotedPaymentAmount:    amount.MustNew("100"),
			Currency:               "usd",
			WincAmount:             amount.MustNew("500"),
			Provider:               "stripe",
			ExpiresAt:              now.Add(-time.Second),
			CreatedAt:              now.Add(-time.Hour),
		}
		require.NoError(t, topup.CreateTopUpQuote(testDB, quote, nil))

		_, err := topup.CreatePaymentReceipt(testDB, topup.CreatePaymentReceiptParams{
			TopUpQuoteID:  quote.QuoteID,
			ReceiptID:     uuid.NewString(),
			PaymentAmount: amount.MustNew("100"),
			Currency:      "usd",
		})
		require.ErrorIs(t, err, topup.ErrQuoteExpired)

		_, err = users.GetByAddress(testDB, quote.DestinationAddress)
		require.ErrorIs(t, err, users.ErrUserNotFound)
	})
}

func TestFailTopUpQuote(t *testing.T) {
	t.Run("moves the quote to the failed table", func(t *testing.T) {
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB,
			ledgertestutil.RandomAddress(), string(users.Arweave),
			amount.MustNew("100"), amount.MustNew("500"))

		require.NoError(t, topup.FailTopUpQuote(testDB, quote.QuoteID,
			"card declined"))

		_, err := topup.GetTopUpQuote(testDB, quote.QuoteID)
		require.ErrorIs(t, err, topup.ErrTopUpQuoteNotFound)

		settled, err := topup.CheckForExistingPayment(testDB, quote.QuoteID)
		require.NoError(t, err)
		testutil.AssertMsg(t, settled, "failed counts as a terminal state")
	})

	t.Run("failing twice fails", func(t *testing.T) {
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB,
			ledgertestutil.RandomAddress(), string(users.Arweave),
			amount.MustNew("100"), amount.MustNew("500"))

		require.NoError(t, topup.FailTopUpQuote(testDB, quote.QuoteID,
			"card declined"))
		err := topup.FailTopUpQuote(testDB, quote.QuoteID, "card declined")
		require.ErrorIs(t, err, topup.ErrTopUpQuoteNotFound)
	})
}

func TestGifts(t *testing.T) {
	t.Run("an email destination settles into an unredeemed gift", func(t *testing.T) {
		email := gofakeit.Email()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, email,
			topup.DestinationEmail, amount.MustNew("100"), amount.MustNew("500"))

		gift := settleQuoteOrFail(t, quote, uuid.NewString())
		require.NotNil(t, gift)
		testutil.AssertEqual(t, email, gift.RecipientEmail)
		testutil.AssertEqual(t, "500", gift.WincAmount.String())

		// the winc is held by no user until redemption
		entries, err := audit.ListForUser(testDB, email)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		testutil.AssertEqual(t, audit.ReasonGiftedPayment, entries[0].ChangeReason)
		testutil.AssertEqual(t, "0", entries[0].WincDelta.String())
		_, err = users.GetByAddress(testDB, email)
		require.ErrorIs(t, err, users.ErrUserNotFound)
	})

	t.Run("redeeming credits the destination address", func(t *testing.T) {
		email := gofakeit.Email()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, email,
			topup.DestinationEmail, amount.MustNew("100"), amount.MustNew("500"))
		gift := settleQuoteOrFail(t, quote, uuid.NewString())

		destination := ledgertestutil.RandomAddress()
		result, err := topup.RedeemGift(testDB, topup.RedeemGiftParams{
			ReceiptID:              gift.ReceiptID,
			RecipientEmail:         email,
			DestinationAddress:     destination,
			DestinationAddressType: users.Arweave,
		})
		require.NoError(t, err)
		testutil.AssertEqual(t, "500", result.WincRedeemed.String())
		testutil.AssertEqual(t, "500", result.User.WincBalance.String())

		entries, err := audit.ListForUser(testDB, destination)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		testutil.AssertEqual(t, audit.ReasonGiftedAccountCreation,
			entries[0].ChangeReason)
		testutil.AssertEqual(t, gift.ReceiptID, entries[0].ChangeID.String)
	})

	t.Run("redeeming into an existing user credits it", func(t *testing.T) {
		user := ledgertestutil.CreateUserOrFail(t, testDB, amount.MustNew("100"))
		email := gofakeit.Email()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, email,
			topup.DestinationEmail, amount.MustNew("100"), amount.MustNew("37"))
		gift := settleQuoteOrFail(t, quote, uuid.NewString())

		result, err := topup.RedeemGift(testDB, topup.RedeemGiftParams{
			ReceiptID:              gift.ReceiptID,
			RecipientEmail:         email,
			DestinationAddress:     user.Address,
			DestinationAddressType: users.Arweave,
		})
		require.NoError(t, err)
		testutil.AssertEqual(t, "137", result.User.WincBalance.String())

		entries, err := audit.ListForUser(testDB, user.Address)
		require.NoError(t, err)
		last := entries[len(entries)-1]
		testutil.AssertEqual(t, audit.ReasonGiftedPaymentRedemption,
			last.ChangeReason)
	})

	t.Run("a gift redeems only once", func(t *testing.T) {
		email := gofakeit.Email()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, email,
			topup.DestinationEmail, amount.MustNew("100"), amount.MustNew("500"))
		gift := settleQuoteOrFail(t, quote, uuid.NewString())

		params := topup.RedeemGiftParams{
			ReceiptID:              gift.ReceiptID,
			RecipientEmail:         email,
			DestinationAddress:     ledgertestutil.RandomAddress(),
			DestinationAddressType: users.Arweave,
		}
		_, err := topup.RedeemGift(testDB, params)
		require.NoError(t, err)

		_, err = topup.RedeemGift(testDB, params)
		require.ErrorIs(t, err, topup.ErrGiftAlreadyRedeemed)
	})

	t.Run("the recipient email must match", func(t *testing.T) {
		email := gofakeit.Email()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, email,
			topup.DestinationEmail, amount.MustNew("100"), amount.MustNew("500"))
		gift := settleQuoteOrFail(t, quote, uuid.NewString())

		_, err := topup.RedeemGift(testDB, topup.RedeemGiftParams{
			ReceiptID:              gift.ReceiptID,
			RecipientEmail:         "someone-else@example.com",
			DestinationAddress:     ledgertestutil.RandomAddress(),
			DestinationAddressType: users.Arweave,
		})
		require.ErrorIs(t, err, topup.ErrGiftRedemption)

		// the gift survives the failed attempt
		_, err = topup.GetUnredeemedGift(testDB, gift.ReceiptID)
		require.NoError(t, err)
	})

	t.Run("an unknown gift cannot be redeemed", func(t *testing.T) {
		_, err := topup.RedeemGift(testDB, topup.RedeemGiftParams{
			ReceiptID:              uuid.NewString(),
			RecipientEmail:         gofakeit.Email(),
			DestinationAddress:     ledgertestutil.RandomAddress(),
			DestinationAddressType: users.Arweave,
		})
		require.ErrorIs(t, err, topup.ErrGiftRedemption)
	})
}

func TestCreateChargebackReceipt(t *testing.T) {
	t.Run("debits the credited user and consumes the receipt", func(t *testing.T) {
		address := ledgertestutil.RandomAddress()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, address,
			string(users.Arweave), amount.MustNew("100"), amount.MustNew("500"))
		settleQuoteOrFail(t, quote, uuid.NewString())

		chargebackID := uuid.NewString()
		chargeback, err := topup.CreateChargebackReceipt(testDB,
			topup.CreateChargebackReceiptParams{
				TopUpQuoteID: quote.QuoteID,
				ChargebackID: chargebackID,
				Reason:       "fraudulent",
			})
		require.NoError(t, err)
		testutil.AssertEqual(t, "fraudulent", chargeback.Reason)

		balance, err := users.GetBalance(testDB, address)
		require.NoError(t, err)
		testutil.AssertEqual(t, "0", balance.String())

		entries, err := audit.ListForUser(testDB, address)
		require.NoError(t, err)
		last := entries[len(entries)-1]
		testutil.AssertEqual(t, audit.ReasonChargeback, last.ChangeReason)
		testutil.AssertEqual(t, "-500", last.WincDelta.String())

		_, err = topup.GetPaymentReceiptByQuoteID(testDB, quote.QuoteID)
		require.ErrorIs(t, err, topup.ErrPaymentReceiptNotFound)

		fetched, err := topup.GetChargebackReceipt(testDB, chargebackID)
		require.NoError(t, err)
		testutil.AssertEqual(t, quote.QuoteID, fetched.QuoteID)
	})

	t.Run("may take a spent balance negative", func(t *testing.T) {
		address := ledgertestutil.RandomAddress()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, address,
			string(users.Arweave), amount.MustNew("100"), amount.MustNew("500"))
		settleQuoteOrFail(t, quote, uuid.NewString())

		// the user spends before the dispute lands
		require.NoError(t, testDB.WithTransaction(func(tx *sqlx.Tx) error {
			_, err := users.Debit(tx, address, amount.MustNew("400"),
				audit.ReasonUpload, uuid.NewString())
			return err
		}))

		_, err := topup.CreateChargebackReceipt(testDB,
			topup.CreateChargebackReceiptParams{
				TopUpQuoteID: quote.QuoteID,
				ChargebackID: uuid.NewString(),
				Reason:       "fraudulent",
			})
		require.NoError(t, err)

		balance, err := users.GetBalance(testDB, address)
		require.NoError(t, err)
		testutil.AssertEqual(t, "-400", balance.String())
	})

	t.Run("disputed unredeemed gift revokes the gift, debits no one", func(t *testing.T) {
		email := gofakeit.Email()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, email,
			topup.DestinationEmail, amount.MustNew("100"), amount.MustNew("500"))
		gift := settleQuoteOrFail(t, quote, uuid.NewString())

		_, err := topup.CreateChargebackReceipt(testDB,
			topup.CreateChargebackReceiptParams{
				TopUpQuoteID: quote.QuoteID,
				ChargebackID: uuid.NewString(),
				Reason:       "fraudulent",
			})
		require.NoError(t, err)

		_, err = topup.GetUnredeemedGift(testDB, gift.ReceiptID)
		require.ErrorIs(t, err, topup.ErrGiftRedemption)

		_, err = topup.RedeemGift(testDB, topup.RedeemGiftParams{
			ReceiptID:              gift.ReceiptID,
			RecipientEmail:         email,
			DestinationAddress:     ledgertestutil.RandomAddress(),
			DestinationAddressType: users.Arweave,
		})
		require.ErrorIs(t, err, topup.ErrGiftRedemption)
	})

	t.Run("disputed redeemed gift debits the redeemer", func(t *testing.T) {
		email := gofakeit.Email()
		quote := ledgertestutil.CreateQuoteOrFail(t, testDB, email,
			topup.DestinationEmail, amount.MustNew("100"), amount.MustNew("500"))
		gift := settleQuoteOrFail(t, quote, uuid.NewString())

		destination := ledgertestutil.RandomAddress()
		_, err := topup.RedeemGift(testDB, topup.RedeemGiftParams{
			ReceiptID:              gift.ReceiptID,
			RecipientEmail:         email,
			DestinationAddress:     destination,
			DestinationAddressType: users.Arweave,
		})
		require.NoError(t, err)

		_, err = topup.CreateChargebackReceipt(testDB,
			topup.CreateChargebackReceiptParams{
				TopUpQuoteID: quote.QuoteID,
				ChargebackID: uuid.NewString(),
				Reason:       "fraudulent",
			})
		require.NoError(t, err)

		balance, err := users.GetBalance(testDB, destination)
		require.NoError(t, err)
		testutil.AssertEqual(t, "0", balance.String())
	})

	t.Run("disputing an unsettled quote fails", func(t *testing.T) {
		_, err := topup.CreateChargebackReceipt(testDB,
			topup.CreateChargebackReceiptParams{
				TopUpQuoteID: uuid.NewString(),
				ChargebackID: uuid.NewString(),
				Reason:       "fraudulent",
			})
		require.ErrorIs(t, err, topup.ErrPaymentReceiptNotFound)
	})
}

func TestCreateBypassedPaymentReceipts(t *testing.T) {
	t.Run("credits wallets and issues gifts in one batch", func(t *testing.T) {
		address := ledgertestutil.RandomAddress()
		email := gofakeit.Email()

		gifts, err := topup.CreateBypassedPaymentReceipts(testDB,
			[]topup.BypassedPayment{
				{
					DestinationAddress:     address,
					DestinationAddressType: string(users.Arweave),
					PaymentAmount:          amount.MustNew("100"),
					Currency:               "usd",
					WincAmount:             amount.MustNew("500"),
				},
				{
					DestinationAddress:     email,
					DestinationAddressType: topup.DestinationEmail,
					PaymentAmount:          amount.MustNew("100"),
					Currency:               "usd",
					WincAmount:             amount.MustNew("300"),
					GiftMessage:            "happy birthday",
				},
			})
		require.NoError(t, err)
		require.Len(t, gifts, 1)
		testutil.AssertEqual(t, email, gifts[0].RecipientEmail)
		testutil.AssertEqual(t, "happy birthday", gifts[0].GiftMessage.String)

		balance, err := users.GetBalance(testDB, address)
		require.NoError(t, err)
		testutil.AssertEqual(t, "500", balance.String())

		entries, err := audit.ListForUser(testDB, address)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		testutil.AssertEqual(t, audit.ReasonBypassedAccountCreation,
			entries[0].ChangeReason)

		giftEntries, err := audit.ListForUser(testDB, email)
		require.NoError(t, err)
		require.Len(t, giftEntries, 1)
		testutil.AssertEqual(t, audit.ReasonBypassedGiftedPayment,
			giftEntries[0].ChangeReason)
	})
}
