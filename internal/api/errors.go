package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher-escrow/internal/escrow"
	"github.com/0gfoundation/0g-voucher-escrow/internal/ledger"
	"github.com/0gfoundation/0g-voucher-escrow/internal/voucher"
)

var statusByError = []struct {
	err    error
	status int
}{
	{voucher.ErrInvalidVoucherID, http.StatusNotFound},
	{voucher.ErrNotOwner, http.StatusForbidden},
	{voucher.ErrInvalidCustomer, http.StatusForbidden},
	{voucher.ErrInvalidMerchant, http.StatusUnprocessableEntity},
	{voucher.ErrAmountExceeded, http.StatusUnprocessableEntity},
	{voucher.ErrInsufficientReservableBalance, http.StatusUnprocessableEntity},
	{voucher.ErrInsufficientBalance, http.StatusConflict},
	{voucher.ErrIdentifierOverflow, http.StatusInsufficientStorage},
	{ledger.ErrBalanceOverflow, http.StatusUnprocessableEntity},
	{escrow.ErrInvalidRequest, http.StatusBadRequest},
}

// fail writes the error response for err. Unclassified errors are logged and
// reported as 500 without their message.
func (h *Handler) fail(c *gin.Context, err error) {
	for _, s := range statusByError {
		if errors.Is(err, s.err) {
			c.AbortWithStatusJSON(s.status, gin.H{"error": err.Error(), "code": errorCode(err)})
			return
		}
	}
	h.log.Error("api: request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
}

func errorCode(err error) string {
	if code := voucher.Code(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return "BALANCE_OVERFLOW"
	case errors.Is(err, escrow.ErrInvalidRequest):
		return "INVALID_REQUEST"
	}
	return "INTERNAL"
}
