// Package handlers exposes the bridge over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"hermes/internal/admin"
	"hermes/internal/bridge"
	"hermes/internal/ledger"
	"hermes/internal/momo"
	"hermes/internal/rates"
	"hermes/pkg/api/common"
	"hermes/pkg/logging"
	"hermes/pkg/middleware"
)

// Bridge is the orchestrator surface used by the HTTP layer.
type Bridge interface {
	Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*bridge.DepositResult, error)
	Withdraw(ctx context.Context, req bridge.WithdrawRequest) (*bridge.PayoutResult, error)
	Send(ctx context.Context, req bridge.SendRequest) (*bridge.PayoutResult, *bridge.AddressSendResult, error)
	History(ctx context.Context, userID string) ([]ledger.Transaction, error)
	Rates(ctx context.Context) rates.Rates
	HandleCallback(ctx context.Context, cb *momo.Callback) error
	ReportBurn(ctx context.Context, transactionID, txHash string) (*bridge.BurnReport, error)
}

type Admin interface {
	ListPending(ctx context.Context) ([]admin.PendingPayment, error)
	Confirm(ctx context.Context, jobID, providerRef, notes, actor string) (*bridge.Confirmation, error)
	Reject(ctx context.Context, jobID, reason, actor string) (*bridge.Rejection, error)
	PaymentHistory(ctx context.Context, q admin.HistoryQuery) (*admin.HistoryPage, error)
	Treasury(ctx context.Context) (*admin.TreasuryOverview, error)
	UserBalance(ctx context.Context, userID string) (*admin.UserBalance, error)
}

type Handler struct {
	service       string
	bridge        Bridge
	admin         Admin
	webhookSecret string
	logger        logging.Logger
}

func New(service string, b Bridge, a Admin, webhookSecret string, logger logging.Logger) *Handler {
	return &Handler{
		service:       service,
		bridge:        b,
		admin:         a,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

func statusFor(kind bridge.Kind) int {
	switch kind {
	case bridge.KindValidation, bridge.KindPrecondition:
		return http.StatusBadRequest
	case bridge.KindNotFound:
		return http.StatusNotFound
	case bridge.KindConflict:
		return http.StatusConflict
	case bridge.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail renders err as a common.ErrorResponse. Only bridge errors expose their
// message; anything else is reported as an internal error.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := bridge.KindOf(err)
	status := statusFor(kind)
	msg := "Internal server error"
	var be *bridge.Error
	if errors.As(err, &be) {
		msg = be.Message
	}

	log := middleware.GetContextLogger(c, h.logger).WithError(err).WithField("kind", kind.String())
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}

	c.JSON(status, common.ErrorResponse{Error: msg, Code: kind.String(), Service: h.service})
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: msg, Code: bridge.KindValidation.String(), Service: h.service})
}
