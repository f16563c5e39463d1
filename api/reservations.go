package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/permagate/payward/api/apierr"
	"gitlab.com/permagate/payward/models/adjustments"
	"gitlab.com/permagate/payward/models/amount"
	"gitlab.com/permagate/payward/models/reservations"
	"gitlab.com/permagate/payward/models/users"
)

// reserveBalance prices an upload, applies the active upload subsidies
// and deducts the reserved winc from the user. Called by the upload
// service with the shared bearer token. Unknown users and short
// balances both answer 403 so the upload service treats them alike.
func (r *RestServer) reserveBalance() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Param("address")
		byteCount, err := strconv.ParseInt(c.Param("byteCount"), 10, 64)
		if err != nil || byteCount < 0 {
			apierr.BadRequest(c, "byteCount must be a non-negative integer")
			return
		}
		dataItemID := c.Query("dataItemId")
		if dataItemID == "" {
			apierr.BadRequest(c, "dataItemId is required")
			return
		}

		networkWinc, err := r.pricing.GetWincForBytes(
			c.Request.Context(), byteCount)
		if err != nil {
			apierr.Terminate(c, err)
			return
		}

		catalogs, err := adjustments.GetUploadCatalogs(r.db, time.Now())
		if err != nil {
			apierr.Terminate(c, err)
			return
		}
		composition, err := adjustments.ComposeUploadAdjustments(networkWinc,
			byteCount, catalogs,
			adjustments.WincUsedForUser(r.db, address, catalogs))
		if err != nil {
			apierr.Terminate(c, err)
			return
		}

		_, err = reservations.ReserveBalance(r.db, reservations.ReserveBalanceParams{
			UserAddress:     address,
			UserAddressType: users.Arweave,
			DataItemID:      dataItemID,
			NetworkWinc:     composition.NetworkWinc,
			ReservedWinc:    composition.ReservedWinc,
			Adjustments:     composition.Applied,
		})
		switch {
		case errors.Is(err, users.ErrUserNotFound):
			// the upload service expects 403 here, not 404
			apierr.Forbidden(c, "User not found")
			return
		case errors.Is(err, reservations.ErrInsufficientBalance):
			apierr.Forbidden(c, "Insufficient balance")
			return
		case err != nil:
			apierr.Terminate(c, err)
			return
		}
		r.metrics.BalanceReservations.Inc()

		c.String(http.StatusOK, "Balance reserved")
	}
}

// refundBalance returns previously reserved winc after a failed upload.
func (r *RestServer) refundBalance() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Param("address")
		winc, err := amount.New(c.Param("winc"))
		if err != nil || winc.IsNonZeroNegativeInteger() {
			apierr.BadRequest(c, "winc must be a non-negative integer")
			return
		}

		if err := reservations.RefundBalance(r.db, address, winc,
			c.Query("dataItemId")); err != nil {
			apierr.Terminate(c, err)
			return
		}

		c.String(http.StatusOK, "Balance refunded")
	}
}
