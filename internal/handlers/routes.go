package handlers

import (
	"github.com/gin-gonic/gin"

	"hermes/pkg/auth"
)

type RouteConfig struct {
	JWTSecret    []byte
	ServiceToken string
}

// RegisterRoutes mounts the user, admin, webhook and internal routes.
func (h *Handler) RegisterRoutes(r gin.IRouter, cfg RouteConfig) {
	user := r.Group("", auth.JWTAuthMiddleware(cfg.JWTSecret))
	{
		tx := user.Group("/transactions")
		tx.POST("/mint", h.Mint)
		tx.POST("/redeem", h.Redeem)
		tx.POST("/send", h.Send)
		tx.GET("/history", h.History)

		user.GET("/rates/current", h.CurrentRates)
	}

	adm := r.Group("/admin", auth.JWTAuthMiddleware(cfg.JWTSecret), auth.RequireRole(auth.RoleAdmin))
	{
		payments := adm.Group("/payments")
		payments.GET("/pending", h.ListPending)
		payments.GET("/history", h.PaymentHistory)
		payments.GET("/balance/:userId", h.UserBalance)
		payments.POST("/:jobId/confirm", h.ConfirmPayment)
		payments.POST("/:jobId/reject", h.RejectPayment)

		adm.GET("/finance/treasury", h.Treasury)
	}

	r.POST("/webhooks/momo", h.MomoWebhook)

	internal := r.Group("/internal", auth.ServiceAuthMiddleware(cfg.ServiceToken))
	internal.POST("/burns", h.ReportBurn)
}
