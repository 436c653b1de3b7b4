package payments

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/envelope"
	"github.com/qrbridge/qrbridge/internal/ledger"
	"github.com/qrbridge/qrbridge/internal/session"
	"github.com/qrbridge/qrbridge/internal/settlement"
	"github.com/qrbridge/qrbridge/internal/verification"
)

// ErrInvalidRequest indicates a missing or malformed request field.
var ErrInvalidRequest = errors.New("invalid request")

// Service drives a cross-border QR payment from scan to settlement.
type Service struct {
	sessions   *session.Store
	banks      *bank.Service
	ledger     ledger.Client
	verifier   *verification.Service
	settlement *settlement.Engine
	logger     *slog.Logger
}

// NewService constructs the payment director.
func NewService(sessions *session.Store, banks *bank.Service, ledgerClient ledger.Client, verifier *verification.Service, engine *settlement.Engine, logger *slog.Logger) *Service {
	return &Service{
		sessions:   sessions,
		banks:      banks,
		ledger:     ledgerClient,
		verifier:   verifier,
		settlement: engine,
		logger:     logger,
	}
}

// ScanInput is what the payer's app submits after reading a merchant QR code.
type ScanInput struct {
	QRCode       string
	PayerUserID  string
	PayerCountry bank.Country
}

// ScanResult describes the session opened by a scan.
type ScanResult struct {
	SessionID    string
	MerchantName string
	Status       session.Status
	Direction    bank.Direction
	TxHash       string
	BlockNumber  uint64
}

// ScanQR opens a payment session, encrypts the verification payload for both
// institutions and records the initiation on the ledger.
func (s *Service) ScanQR(ctx context.Context, in ScanInput) (ScanResult, error) {
	if in.QRCode == "" || in.PayerUserID == "" || in.PayerCountry == "" {
		return ScanResult{}, fmt.Errorf("%w: qrCode, payerUserId and payerCountry are required", ErrInvalidRequest)
	}

	match, err := s.banks.FindMerchantByQR(ctx, in.QRCode)
	if err != nil {
		return ScanResult{}, err
	}
	route, err := bank.ResolveRoute(in.PayerCountry, match.Institution.Country)
	if err != nil {
		return ScanResult{}, err
	}
	payer, err := s.banks.FindUser(ctx, route.Origin.ID, in.PayerUserID)
	if err != nil {
		return ScanResult{}, err
	}

	originPub, err := s.publicKey(ctx, route.Origin.ID)
	if err != nil {
		return ScanResult{}, err
	}
	destinationPub, err := s.publicKey(ctx, route.Destination.ID)
	if err != nil {
		return ScanResult{}, err
	}

	now := time.Now().UTC()
	id := session.NewID()
	pair, err := envelope.EncryptForBoth(envelope.Payload{
		SessionID:   id,
		MerchantID:  match.Merchant.MerchantID,
		PayerUserID: payer.UserID,
		CreatedAt:   now.UnixMilli(),
	}, originPub, destinationPub)
	if err != nil {
		return ScanResult{}, err
	}

	sess, err := s.sessions.Create(session.Session{
		ID:                    id,
		MerchantID:            match.Merchant.MerchantID,
		MerchantName:          match.Merchant.Name,
		PayerUserID:           payer.UserID,
		PayerCountry:          in.PayerCountry,
		MerchantCountry:       match.Institution.Country,
		Direction:             route.Direction,
		OriginBank:            route.Origin.ID,
		DestinationBank:       route.Destination.ID,
		OriginCiphertext:      pair.Origin,
		DestinationCiphertext: pair.Destination,
		CreatedAt:             now,
	})
	if err != nil {
		return ScanResult{}, err
	}

	destinationBytes, err := base64.StdEncoding.DecodeString(pair.Destination)
	if err != nil {
		return ScanResult{}, fmt.Errorf("decode destination ciphertext: %w", err)
	}
	receipt, err := s.ledger.InitiatePayment(ctx, ledger.InitiateRequest{
		SessionID:             sess.ID,
		MerchantID:            sess.MerchantID,
		DestinationCiphertext: destinationBytes,
		Direction:             sess.Direction,
	})
	if err != nil && !ledger.IsTransient(err) {
		s.logger.Error("initiate payment on ledger", slog.String("session_id", sess.ID), slog.Any("error", err))
		if _, uerr := s.sessions.Update(sess.ID, func(cur *session.Session) error {
			return cur.Fail(fmt.Sprintf("ledger initiation: %v", err))
		}); uerr != nil {
			s.logger.Error("mark session failed", slog.String("session_id", sess.ID), slog.Any("error", uerr))
		}
		return ScanResult{}, fmt.Errorf("initiate payment: %w", err)
	}
	if err != nil {
		receipt = ledger.Receipt{TxHash: "already_processed"}
	}

	if _, err := s.sessions.Update(sess.ID, func(cur *session.Session) error {
		cur.InitiationTx = receipt.TxHash
		return nil
	}); err != nil {
		return ScanResult{}, err
	}

	s.logger.Info("payment session opened",
		slog.String("session_id", sess.ID),
		slog.String("merchant_id", sess.MerchantID),
		slog.String("payer_user_id", sess.PayerUserID),
		slog.String("direction", string(sess.Direction)),
		slog.String("tx_hash", receipt.TxHash),
	)
	return ScanResult{
		SessionID:    sess.ID,
		MerchantName: sess.MerchantName,
		Status:       sess.Status,
		Direction:    sess.Direction,
		TxHash:       receipt.TxHash,
		BlockNumber:  receipt.BlockNumber,
	}, nil
}

// Verify runs one institution's confirmation of a session.
func (s *Service) Verify(ctx context.Context, sessionID string, bankID bank.InstitutionID) (verification.Result, error) {
	if sessionID == "" || bankID == "" {
		return verification.Result{}, fmt.Errorf("%w: sessionId and bankId are required", ErrInvalidRequest)
	}
	return s.verifier.Confirm(ctx, sessionID, bankID)
}

// ProcessPayment settles a verified session for amount payer minor units.
func (s *Service) ProcessPayment(ctx context.Context, sessionID string, amount int64) (settlement.Result, error) {
	if sessionID == "" {
		return settlement.Result{}, fmt.Errorf("%w: sessionId is required", ErrInvalidRequest)
	}
	return s.settlement.Process(ctx, sessionID, amount)
}

// Status returns the current snapshot of a session.
func (s *Service) Status(sessionID string) (session.Session, error) {
	return s.sessions.Get(sessionID)
}

// QRData is the content a merchant renders as its QR code.
type QRData struct {
	MerchantID   string
	MerchantName string
	QRCode       string
	Country      bank.Country
	Currency     string
}

// GenerateQR returns the QR payload for a merchant held by either institution.
func (s *Service) GenerateQR(ctx context.Context, merchantID string) (QRData, error) {
	match, err := s.banks.FindMerchant(ctx, merchantID)
	if err != nil {
		return QRData{}, err
	}
	return QRData{
		MerchantID:   match.Merchant.MerchantID,
		MerchantName: match.Merchant.Name,
		QRCode:       match.Merchant.QRCode,
		Country:      match.Institution.Country,
		Currency:     match.Institution.Currency,
	}, nil
}

// ContractInfo describes the ledger the service writes to.
func (s *Service) ContractInfo() ledger.Info {
	return s.ledger.Info()
}

func (s *Service) publicKey(ctx context.Context, id bank.InstitutionID) (*rsa.PublicKey, error) {
	keys, err := s.banks.Keys(ctx, id)
	if err != nil {
		return nil, err
	}
	pub, err := envelope.ParsePublicKey(keys.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%s public key: %w", id, err)
	}
	return pub, nil
}
