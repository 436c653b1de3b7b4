package payments

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/ledger"
	"github.com/qrbridge/qrbridge/internal/session"
	"github.com/qrbridge/qrbridge/internal/settlement"
	"github.com/qrbridge/qrbridge/internal/verification"
)

// Handler exposes the payment protocol endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type scanRequest struct {
	QRCode       string `json:"qrCode"`
	PayerUserID  string `json:"payerUserId"`
	PayerCountry string `json:"payerCountry"`
}

type verifyRequest struct {
	SessionID string `json:"sessionId"`
	BankID    string `json:"bankId"`
}

// Amounts cross the API in major units of the payer currency.
type processRequest struct {
	SessionID string  `json:"sessionId"`
	Amount    float64 `json:"amount"`
}

// ScanQR opens a payment session.
func (h *Handler) ScanQR(c *fiber.Ctx) error {
	var req scanRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.ScanQR(c.UserContext(), ScanInput{
		QRCode:       req.QRCode,
		PayerUserID:  req.PayerUserID,
		PayerCountry: bank.Country(req.PayerCountry),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{
		"sessionId":       res.SessionID,
		"merchantName":    res.MerchantName,
		"status":          res.Status,
		"direction":       res.Direction,
		"transactionHash": res.TxHash,
		"blockNumber":     res.BlockNumber,
	})
}

// VerifyBank records one institution's verification.
func (h *Handler) VerifyBank(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.Verify(c.UserContext(), req.SessionID, bank.InstitutionID(req.BankID))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{
		"sessionId":       res.SessionID,
		"bankId":          res.BankID,
		"verified":        res.Verified,
		"status":          res.Status,
		"transactionHash": res.TxHash,
	})
}

// ProcessPayment starts settlement of a verified session.
func (h *Handler) ProcessPayment(c *fiber.Ctx) error {
	var req processRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.ProcessPayment(c.UserContext(), req.SessionID, toMinor(req.Amount))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{
		"sessionId":       res.SessionID,
		"amount":          toMajor(res.Amount),
		"convertedAmount": toMajor(res.ConvertedAmount),
		"status":          res.Status,
		"direction":       res.Direction,
		"transactionHash": res.TxHash,
	})
}

type statusView struct {
	SessionID             string             `json:"sessionId"`
	MerchantID            string             `json:"merchantId"`
	MerchantName          string             `json:"merchantName"`
	PayerUserID           string             `json:"payerUserId"`
	PayerCountry          bank.Country       `json:"payerCountry"`
	MerchantCountry       bank.Country       `json:"merchantCountry"`
	Direction             bank.Direction     `json:"direction"`
	OriginBank            bank.InstitutionID `json:"originBank"`
	DestinationBank       bank.InstitutionID `json:"destinationBank"`
	OriginVerified        session.Outcome    `json:"originVerified"`
	DestinationVerified   session.Outcome    `json:"destinationVerified"`
	OriginProcessing      bool               `json:"originProcessing"`
	DestinationProcessing bool               `json:"destinationProcessing"`
	Amount                float64            `json:"amount"`
	ConvertedAmount       float64            `json:"convertedAmount"`
	Status                session.Status     `json:"status"`
	InitiationTx          string             `json:"initiationTx,omitempty"`
	SettlementTx          string             `json:"settlementTx,omitempty"`
	LedgerSettled         bool               `json:"ledgerSettled"`
	FailureReason         string             `json:"failureReason,omitempty"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
	CompletedAt           *time.Time         `json:"completedAt,omitempty"`
}

// PaymentStatus returns the session projection. Ciphertexts are never exposed.
func (h *Handler) PaymentStatus(c *fiber.Ctx) error {
	sess, err := h.service.Status(c.Params("sessionId"))
	if err != nil {
		return httpError(err)
	}
	view := statusView{
		SessionID:             sess.ID,
		MerchantID:            sess.MerchantID,
		MerchantName:          sess.MerchantName,
		PayerUserID:           sess.PayerUserID,
		PayerCountry:          sess.PayerCountry,
		MerchantCountry:       sess.MerchantCountry,
		Direction:             sess.Direction,
		OriginBank:            sess.OriginBank,
		DestinationBank:       sess.DestinationBank,
		OriginVerified:        sess.OriginVerified,
		DestinationVerified:   sess.DestinationVerified,
		OriginProcessing:      sess.OriginProcessing,
		DestinationProcessing: sess.DestinationProcessing,
		Amount:                toMajor(sess.Amount),
		ConvertedAmount:       toMajor(sess.ConvertedAmount),
		Status:                sess.Status,
		InitiationTx:          sess.InitiationTx,
		SettlementTx:          sess.SettlementTx,
		LedgerSettled:         sess.LedgerSettled,
		FailureReason:         sess.FailureReason,
		CreatedAt:             sess.CreatedAt,
		UpdatedAt:             sess.UpdatedAt,
	}
	if !sess.CompletedAt.IsZero() {
		completed := sess.CompletedAt
		view.CompletedAt = &completed
	}
	return c.JSON(view)
}

// GenerateQR returns the QR payload for a merchant.
func (h *Handler) GenerateQR(c *fiber.Ctx) error {
	qr, err := h.service.GenerateQR(c.UserContext(), c.Params("merchantId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{
		"qrData": fiber.Map{
			"merchantId":   qr.MerchantID,
			"merchantName": qr.MerchantName,
			"qrCode":       qr.QRCode,
			"country":      qr.Country,
			"currency":     qr.Currency,
		},
	})
}

// ContractInfo describes the ledger backend.
func (h *Handler) ContractInfo(c *fiber.Ctx) error {
	return c.JSON(h.service.ContractInfo())
}

func httpError(err error) error {
	var ledgerErr *ledger.Error
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, bank.ErrMerchantNotFound),
		errors.Is(err, bank.ErrUserNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, verification.ErrAlreadyProcessing):
		return fiber.NewError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, bank.ErrUnknownInstitution),
		errors.Is(err, bank.ErrUnsupportedDirection),
		errors.Is(err, session.ErrNotParticipant),
		errors.Is(err, settlement.ErrNotVerified),
		errors.Is(err, settlement.ErrInsufficientFunds),
		errors.Is(err, settlement.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.As(err, &ledgerErr):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

func toMinor(major float64) int64 {
	return int64(math.Round(major * 100))
}

func toMajor(minor int64) float64 {
	return float64(minor) / 100
}
