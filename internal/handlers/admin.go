package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hermes/internal/admin"
	"hermes/internal/bridge"
	"hermes/pkg/api/common"
	"hermes/pkg/ctxkeys"
)

type ConfirmRequest struct {
	ProviderTransactionID string `json:"providerTransactionId"`
	Notes                 string `json:"notes"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

func actor(c *gin.Context) string {
	return c.GetString(string(ctxkeys.KeyEmail))
}

// bindOptionalJSON tolerates an empty body.
func bindOptionalJSON(c *gin.Context, v interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}

func (h *Handler) ListPending(c *gin.Context) {
	pending, err := h.admin.ListPending(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pendingPayments": pending, "count": len(pending)})
}

func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req ConfirmRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}
	conf, err := h.admin.Confirm(c.Request.Context(), c.Param("jobId"), req.ProviderTransactionID, req.Notes, actor(c))
	if err != nil {
		if bridge.KindOf(err) == bridge.KindExternal {
			// Job and transaction are already failed; report the chain error.
			c.JSON(http.StatusInternalServerError, common.ErrorResponse{
				Error:   "Failed to mint UGDX on blockchain",
				Code:    bridge.KindExternal.String(),
				Service: h.service,
				Details: map[string]interface{}{"reason": err.Error()},
			})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Payment confirmed and " + conf.UGDXMinted.String() + " UGDX minted",
		"jobId":         conf.JobID,
		"transactionId": conf.TransactionID,
		"providerRef":   conf.ProviderRef,
		"txHash":        conf.TxHash,
		"ugdxMinted":    conf.UGDXMinted,
	})
}

func (h *Handler) RejectPayment(c *gin.Context) {
	var req RejectRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}
	rej, err := h.admin.Reject(c.Request.Context(), c.Param("jobId"), req.Reason, actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Payment job " + rej.JobID + " rejected",
		"jobId":         rej.JobID,
		"transactionId": rej.TransactionID,
		"reason":        rej.Reason,
	})
}

func (h *Handler) PaymentHistory(c *gin.Context) {
	q := admin.HistoryQuery{Status: c.Query("status")}
	var err error
	if q.Limit, err = queryInt(c, "limit", admin.DefaultHistoryLimit); err != nil {
		h.badRequest(c, "limit must be an integer")
		return
	}
	if q.Offset, err = queryInt(c, "offset", 0); err != nil {
		h.badRequest(c, "offset must be an integer")
		return
	}
	page, err := h.admin.PaymentHistory(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (h *Handler) Treasury(c *gin.Context) {
	overview, err := h.admin.Treasury(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *Handler) UserBalance(c *gin.Context) {
	bal, err := h.admin.UserBalance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}
