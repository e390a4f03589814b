package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"hermes/internal/momo"
	"hermes/pkg/api/common"
	"hermes/pkg/middleware"
)

const maxWebhookBody = 1 << 20

// MomoWebhook applies a signed gateway callback. Unknown references are
// reported as 404 so the gateway stops retrying; settled jobs are acknowledged.
func (h *Handler) MomoWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.badRequest(c, "Failed to read body")
		return
	}
	cb, err := momo.ParseCallback(h.webhookSecret, body, c.GetHeader(momo.SignatureHeader))
	if errors.Is(err, momo.ErrInvalidSignature) {
		middleware.GetContextLogger(c, h.logger).Warn("Rejected mobile money callback with bad signature")
		c.JSON(http.StatusUnauthorized, common.ErrorResponse{Error: "Invalid signature", Service: h.service})
		return
	}
	if err != nil {
		h.badRequest(c, err.Error())
		return
	}

	if err := h.bridge.HandleCallback(c.Request.Context(), cb); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type BurnReportRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	TxHash        string `json:"tx_hash" binding:"required"`
}

// ReportBurn is called by the burn-event observer.
func (h *Handler) ReportBurn(c *gin.Context) {
	var req BurnReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "transaction_id and tx_hash are required")
		return
	}
	res, err := h.bridge.ReportBurn(c.Request.Context(), req.TransactionID, req.TxHash)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactionId": res.TransactionID,
		"txHash":        res.TxHash,
		"status":        res.Status,
		"payoutIssued":  res.PayoutIssued,
	})
}
