package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gitlab.com/permagate/payward/api/apierr"
	"gitlab.com/permagate/payward/api/auth"
	"gitlab.com/permagate/payward/models/users"
)

// getPriceForBytes answers the winc cost of storing the given number of
// bytes. Pure pricing delegation; the ledger is not consulted.
func (r *RestServer) getPriceForBytes() gin.HandlerFunc {
	return func(c *gin.Context) {
		byteCount, err := strconv.ParseInt(c.Param("byteCount"), 10, 64)
		if err != nil || byteCount < 0 {
			apierr.BadRequest(c, "byteCount must be a non-negative integer")
			return
		}

		winc, err := r.pricing.GetWincForBytes(c.Request.Context(), byteCount)
		if err != nil {
			apierr.Terminate(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"winc": winc})
	}
}

// getPriceForFiat answers the winc a fiat amount buys, before
// adjustments.
func (r *RestServer) getPriceForFiat() gin.HandlerFunc {
	return func(c *gin.Context) {
		fiat, err := parseFiatAmount(c.Param("amount"))
		if err != nil {
			apierr.BadRequest(c, "amount must be a non-negative integer of minor units")
			return
		}

		winc, err := r.pricing.GetWincForFiat(c.Request.Context(),
			c.Param("currency"), fiat)
		if err != nil {
			apierr.Terminate(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"winc": winc})
	}
}

// getBalance returns the winc balance of the wallet that signed the
// request. SignatureMiddleware has already verified the signature.
func (r *RestServer) getBalance() gin.HandlerFunc {
	return func(c *gin.Context) {
		address, ok := auth.WalletAddress(c)
		if !ok {
			apierr.Forbidden(c, "signature verification failed")
			return
		}

		winc, err := users.GetBalance(r.db, address)
		if err != nil {
			apierr.Terminate(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"winc": winc})
	}
}
