package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/envelope"
	"github.com/qrbridge/qrbridge/internal/ledger"
	"github.com/qrbridge/qrbridge/internal/metrics"
	"github.com/qrbridge/qrbridge/internal/notification"
	"github.com/qrbridge/qrbridge/internal/session"
)

// ErrAlreadyProcessing is returned while another confirmation for the same
// session and institution is in flight. Callers should poll and retry later.
var ErrAlreadyProcessing = errors.New("confirmation already in progress")

const (
	txAlreadyVerified  = "already_verified"
	txAlreadyProcessed = "already_processed"
)

// Result is the outcome of one confirmation request.
type Result struct {
	SessionID string
	BankID    bank.InstitutionID
	Verified  bool
	Status    session.Status
	TxHash    string
	// Replayed is set when the outcome was recorded by an earlier call.
	Replayed bool
}

// Service lets each institution decrypt and validate its copy of the
// verification payload, at most once per session.
type Service struct {
	sessions *session.Store
	banks    *bank.Service
	ledger   ledger.Client
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService constructs a verification service.
func NewService(sessions *session.Store, banks *bank.Service, ledgerClient ledger.Client, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{sessions: sessions, banks: banks, ledger: ledgerClient, notifier: notifier, metrics: m, logger: logger}
}

// Confirm runs bankID's verification of sessionID.
func (s *Service) Confirm(ctx context.Context, sessionID string, bankID bank.InstitutionID) (Result, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return Result{}, err
	}
	if _, err := bank.Lookup(bankID); err != nil {
		return Result{}, err
	}

	var (
		side   session.Side
		replay bool
	)
	claimed, err := s.sessions.Update(sessionID, func(sess *session.Session) error {
		sd, err := sess.SideOf(bankID)
		if err != nil {
			return err
		}
		side = sd
		if sess.Processing(sd) {
			return ErrAlreadyProcessing
		}
		if sess.Verified(sd).Known() {
			replay = true
			return nil
		}
		sess.SetProcessing(sd, true)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessing) {
			s.metrics.Verification(string(bankID), "conflict")
		}
		return Result{}, err
	}
	if replay {
		s.metrics.Verification(string(bankID), "replay")
		return s.replayResult(claimed, side, bankID), nil
	}

	defer s.release(sessionID, side)

	verified, err := s.check(ctx, claimed, side, bankID)
	if err != nil {
		return Result{}, err
	}

	txHash := ""
	receipt, err := s.ledger.ConfirmVerification(ctx, ledger.VerificationRequest{
		SessionID:     sessionID,
		Verified:      verified,
		InstitutionID: bankID,
		OriginSide:    side == session.Origin,
	})
	switch {
	case err == nil:
		txHash = receipt.TxHash
	case ledger.IsTransient(err):
		txHash = txAlreadyProcessed
		s.logger.Warn("ledger reported duplicate verification, keeping local outcome",
			slog.String("session_id", sessionID),
			slog.String("bank_id", string(bankID)),
			slog.Any("error", err),
		)
	default:
		s.metrics.Verification(string(bankID), "ledger_error")
		s.logger.Error("record verification on ledger",
			slog.String("session_id", sessionID),
			slog.String("bank_id", string(bankID)),
			slog.Any("error", err),
		)
		return Result{}, fmt.Errorf("record verification: %w", err)
	}

	replay = false
	final, err := s.sessions.Update(sessionID, func(sess *session.Session) error {
		if sess.Verified(side).Known() {
			replay = true
			return nil
		}
		sess.SetVerified(side, session.OutcomeOf(verified))
		sess.SetProcessing(side, false)
		return sess.RecomputeVerification()
	})
	if err != nil {
		return Result{}, err
	}
	if replay {
		s.metrics.Verification(string(bankID), "replay")
		return s.replayResult(final, side, bankID), nil
	}

	outcome := "verified"
	if !verified {
		outcome = "rejected"
	}
	s.metrics.Verification(string(bankID), outcome)
	s.logger.Info("bank verification recorded",
		slog.String("session_id", sessionID),
		slog.String("bank_id", string(bankID)),
		slog.String("side", side.String()),
		slog.Bool("verified", verified),
		slog.String("status", string(final.Status)),
		slog.String("tx_hash", txHash),
	)
	if s.notifier != nil {
		_ = s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindVerification,
			SessionID:   sessionID,
			Destination: string(bankID),
			Body:        fmt.Sprintf("%s verification %s, session %s", bankID, outcome, final.Status),
		})
	}

	return Result{
		SessionID: sessionID,
		BankID:    bankID,
		Verified:  verified,
		Status:    final.Status,
		TxHash:    txHash,
	}, nil
}

// check decrypts the copy addressed to bankID and compares it with the session.
// Decryption and validation failures are a negative outcome, not an error.
func (s *Service) check(ctx context.Context, sess session.Session, side session.Side, bankID bank.InstitutionID) (bool, error) {
	keys, err := s.banks.Keys(ctx, bankID)
	if err != nil {
		return false, fmt.Errorf("load %s keys: %w", bankID, err)
	}
	priv, err := envelope.ParsePrivateKey(keys.PrivateKey)
	if err != nil {
		return false, fmt.Errorf("parse %s private key: %w", bankID, err)
	}

	payload, err := envelope.Decrypt(sess.Ciphertext(side), priv)
	if err != nil {
		s.logger.Warn("verification payload could not be decrypted",
			slog.String("session_id", sess.ID),
			slog.String("bank_id", string(bankID)),
			slog.Any("error", err),
		)
		return false, nil
	}

	want := envelope.Payload{SessionID: sess.ID, MerchantID: sess.MerchantID, PayerUserID: sess.PayerUserID}
	if !payload.Matches(want) {
		s.logger.Warn("verification payload does not match session",
			slog.String("session_id", sess.ID),
			slog.String("bank_id", string(bankID)),
		)
		return false, nil
	}
	return true, nil
}

func (s *Service) release(sessionID string, side session.Side) {
	_, err := s.sessions.Update(sessionID, func(sess *session.Session) error {
		sess.SetProcessing(side, false)
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Error("release processing flag", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

func (s *Service) replayResult(sess session.Session, side session.Side, bankID bank.InstitutionID) Result {
	return Result{
		SessionID: sess.ID,
		BankID:    bankID,
		Verified:  sess.Verified(side).Bool(),
		Status:    sess.Status,
		TxHash:    txAlreadyVerified,
		Replayed:  true,
	}
}
