package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/qrbridge/qrbridge/internal/payments"
)

// RegisterPaymentRoutes wires the payment protocol endpoints.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler, scanLimiter fiber.Handler) {
	r.Get("/generate-qr/:merchantId", h.GenerateQR)
	r.Post("/scan-qr", scanLimiter, h.ScanQR)
	r.Post("/verify-bank", h.VerifyBank)
	r.Post("/process-payment", h.ProcessPayment)
	r.Get("/payment-status/:sessionId", h.PaymentStatus)
	r.Get("/contract-info", h.ContractInfo)
}
