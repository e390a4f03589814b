package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"hermes/internal/bridge"
	"hermes/internal/ledger"
	"hermes/pkg/ctxkeys"
)

type MintRequest struct {
	AmountUGX decimal.Decimal `json:"amountUGX"`
}

type RedeemRequest struct {
	AmountUGDX decimal.Decimal `json:"amountUGDX"`
	Phone      string          `json:"phone"`
	Signature  string          `json:"signature"`
}

type SendRequest struct {
	AmountUGDX decimal.Decimal `json:"amountUGDX"`
	Phone      string          `json:"phone"`
	ToAddress  string          `json:"toAddress"`
	Signature  string          `json:"signature"`
}

type TransactionView struct {
	ID         string          `json:"id"`
	Type       ledger.TxType   `json:"type"`
	Status     ledger.TxStatus `json:"status"`
	AmountUGX  decimal.Decimal `json:"amountUGX"`
	UGDXAmount decimal.Decimal `json:"ugdxAmount"`
	FeeUGX     decimal.Decimal `json:"feeUGX"`
	TxHash     string          `json:"txHash,omitempty"`
	ToPhone    string          `json:"toPhone,omitempty"`
	ToAddress  string          `json:"toAddress,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Job        *JobView        `json:"mobileMoneyJob,omitempty"`
}

type JobView struct {
	ID       string           `json:"id"`
	Type     ledger.JobType   `json:"type"`
	Status   ledger.JobStatus `json:"status"`
	Amount   decimal.Decimal  `json:"amount"`
	Phone    string           `json:"phone"`
	Provider string           `json:"provider"`
	TransID  string           `json:"transId,omitempty"`
}

func userID(c *gin.Context) string {
	return c.GetString(string(ctxkeys.KeyUserID))
}

// parseSignature accepts an optional 0x-prefixed hex signature.
func parseSignature(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	return hexutil.Decode(raw)
}

func (h *Handler) Mint(c *gin.Context) {
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}
	res, err := h.bridge.Deposit(c.Request.Context(), userID(c), req.AmountUGX)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Deposit initiated. You will receive UGDX shortly after the payment is confirmed.",
		"transactionId": res.TransactionID,
		"jobId":         res.JobID,
		"netUGDX":       res.NetUGDX,
		"feeUGX":        res.FeeUGX,
	})
}

func (h *Handler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		h.badRequest(c, "Signature must be hex encoded")
		return
	}
	res, err := h.bridge.Withdraw(c.Request.Context(), bridge.WithdrawRequest{
		UserID:    userID(c),
		Amount:    req.AmountUGDX,
		Phone:     req.Phone,
		Signature: sig,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payoutBody("Withdrawal initiated. UGX will be sent to the target mobile money account shortly.", res))
}

func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request body")
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		h.badRequest(c, "Signature must be hex encoded")
		return
	}
	payout, addr, err := h.bridge.Send(c.Request.Context(), bridge.SendRequest{
		UserID:    userID(c),
		Amount:    req.AmountUGDX,
		Phone:     req.Phone,
		ToAddress: req.ToAddress,
		Signature: sig,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if payout != nil {
		c.JSON(http.StatusOK, payoutBody("Transfer initiated. UGX will be sent once token burn is confirmed on-chain.", payout))
		return
	}
	body := gin.H{
		"message":       "Transfer initiated. UGDX will be sent once token burn is confirmed on-chain.",
		"transactionId": addr.TransactionID,
	}
	if addr.TxHash != "" {
		body["txHash"] = addr.TxHash
	}
	c.JSON(http.StatusOK, body)
}

func payoutBody(message string, res *bridge.PayoutResult) gin.H {
	body := gin.H{
		"message":       message,
		"transactionId": res.TransactionID,
		"jobId":         res.JobID,
		"netUGX":        res.NetUGX,
		"feeUGX":        res.FeeUGX,
	}
	if res.TxHash != "" {
		body["txHash"] = res.TxHash
	}
	if res.PayoutDeferred {
		body["payoutDeferred"] = true
	}
	return body
}

func (h *Handler) History(c *gin.Context) {
	txs, err := h.bridge.History(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	history := make([]TransactionView, 0, len(txs))
	for _, t := range txs {
		v := TransactionView{
			ID:         t.ID,
			Type:       t.Type,
			Status:     t.Status,
			AmountUGX:  t.AmountUGX,
			UGDXAmount: t.UGDXAmount,
			FeeUGX:     t.FeeUGX,
			TxHash:     t.TxHash,
			ToPhone:    t.ToPhone,
			ToAddress:  t.ToAddress,
			CreatedAt:  t.CreatedAt,
		}
		if t.Job != nil {
			v.Job = &JobView{
				ID:       t.Job.ID,
				Type:     t.Job.Type,
				Status:   t.Job.Status,
				Amount:   t.Job.Amount,
				Phone:    t.Job.Phone,
				Provider: t.Job.Provider,
				TransID:  t.Job.TransID,
			}
		}
		history = append(history, v)
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *Handler) CurrentRates(c *gin.Context) {
	r := h.bridge.Rates(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"ugxPerUSD":  r.UGXPerUSD.InexactFloat64(),
		"usdPerUGX":  r.USDPerUGX.InexactFloat64(),
		"ugdxPerUGX": r.UGDXPerUGX.InexactFloat64(),
		"source":     r.Source,
	})
}
