// Package apierr maps the ledger's typed errors onto machine-readable
// API error codes, and terminates requests with a consistent JSON body.
package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/build"
	"gitlab.com/permagate/payward/models/adjustments"
	"gitlab.com/permagate/payward/models/cryptotx"
	"gitlab.com/permagate/payward/models/reservations"
	"gitlab.com/permagate/payward/models/topup"
	"gitlab.com/permagate/payward/models/users"
)

var log = build.AddSubLogger("APIERR")

// Response is the error body every failed request gets.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// mapping ties a ledger error to its API code and HTTP status.
type mapping struct {
	err    error
	code   string
	status int
}

var mappings = []mapping{
	{topup.ErrTopUpQuoteNotFound, "ERR_QUOTE_NOT_FOUND", http.StatusNotFound},
	{topup.ErrPaymentReceiptNotFound, "ERR_RECEIPT_NOT_FOUND", http.StatusNotFound},
	{topup.ErrChargebackReceiptNotFound, "ERR_CHARGEBACK_NOT_FOUND", http.StatusNotFound},
	{topup.ErrQuoteExpired, "ERR_QUOTE_EXPIRED", http.StatusBadRequest},
	{topup.ErrPaymentMismatch, "ERR_PAYMENT_MISMATCH", http.StatusBadRequest},
	{topup.ErrGiftAlreadyRedeemed, "ERR_GIFT_ALREADY_REDEEMED", http.StatusBadRequest},
	{topup.ErrGiftRedemption, "ERR_GIFT_REDEMPTION", http.StatusBadRequest},
	{users.ErrUserNotFound, "ERR_USER_NOT_FOUND", http.StatusNotFound},
	{reservations.ErrInsufficientBalance, "ERR_INSUFFICIENT_BALANCE", http.StatusForbidden},
	{adjustments.ErrPromoCodeNotFound, "ERR_PROMO_CODE_NOT_FOUND", http.StatusBadRequest},
	{adjustments.ErrPromoCodeExpired, "ERR_PROMO_CODE_EXPIRED", http.StatusBadRequest},
	{adjustments.ErrPromoCodeExceedsMaxUses, "ERR_PROMO_CODE_EXCEEDS_MAX_USES", http.StatusBadRequest},
	{adjustments.ErrUserIneligibleForPromoCode, "ERR_INELIGIBLE_FOR_PROMO_CODE", http.StatusBadRequest},
	{cryptotx.ErrTransactionNotFound, "ERR_TRANSACTION_NOT_FOUND", http.StatusNotFound},
}

// Terminate answers the request with the code mapped to err. Unmapped
// errors become an opaque 500; the cause stays in the logs only.
func Terminate(c *gin.Context, err error) {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			c.AbortWithStatusJSON(m.status, Response{
				Code:    m.code,
				Message: err.Error(),
			})
			return
		}
	}

	log.WithError(err).Error("Unknown error terminated a request")
	c.AbortWithStatusJSON(http.StatusInternalServerError, Response{
		Code:    "ERR_UNKNOWN_ERROR",
		Message: "something went wrong",
	})
}

// BadRequest rejects malformed input before it reaches the ledger.
func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Response{
		Code:    "ERR_BAD_REQUEST",
		Message: message,
	})
}

// Forbidden rejects a request whose credentials don't hold.
func Forbidden(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusForbidden, Response{
		Code:    "ERR_FORBIDDEN",
		Message: message,
	})
}
