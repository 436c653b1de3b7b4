package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/ledger"
	"github.com/qrbridge/qrbridge/internal/metrics"
	"github.com/qrbridge/qrbridge/internal/notification"
	"github.com/qrbridge/qrbridge/internal/session"
)

var (
	// ErrNotVerified is returned when settlement is requested before both
	// institutions confirmed the session.
	ErrNotVerified = errors.New("session is not verified by both institutions")
	// ErrInsufficientFunds is returned when the payer balance does not cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

const completionTimeout = 2 * time.Minute

// Result is returned once the ledger accepted the settlement submission.
type Result struct {
	SessionID       string
	Amount          int64
	ConvertedAmount int64
	Direction       bank.Direction
	Status          session.Status
	TxHash          string
}

// Engine moves funds for verified sessions. The request path stops at
// payment_initiated; balances move on a background completion.
type Engine struct {
	sessions *session.Store
	banks    *bank.Service
	ledger   ledger.Client
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	delay    time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[string]chan struct{}
}

// NewEngine constructs a settlement engine that completes sessions delay after initiation.
func NewEngine(sessions *session.Store, banks *bank.Service, ledgerClient ledger.Client, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger, delay time.Duration) *Engine {
	return &Engine{
		sessions: sessions,
		banks:    banks,
		ledger:   ledgerClient,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		delay:    delay,
		pending:  make(map[string]chan struct{}),
	}
}

// Process validates and submits the settlement of amount (payer minor units).
func (e *Engine) Process(ctx context.Context, sessionID string, amount int64) (Result, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return Result{}, err
	}
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if sess.Status != session.StatusVerified || !sess.BothVerified() {
		e.metrics.Settlement("refused")
		return Result{}, fmt.Errorf("%w: status %s", ErrNotVerified, sess.Status)
	}
	route, err := bank.RouteFor(sess.Direction)
	if err != nil {
		return Result{}, err
	}

	payer, err := e.banks.FindUser(ctx, sess.OriginBank, sess.PayerUserID)
	if err != nil {
		return Result{}, err
	}
	if payer.Balance < amount {
		e.metrics.Settlement("refused")
		return Result{}, ErrInsufficientFunds
	}

	converted := route.Convert(amount)
	claimed, err := e.sessions.Update(sessionID, func(s *session.Session) error {
		if s.Status != session.StatusVerified || !s.BothVerified() {
			return fmt.Errorf("%w: status %s", ErrNotVerified, s.Status)
		}
		if err := s.Advance(session.StatusPaymentProcessing); err != nil {
			return err
		}
		s.Amount = amount
		s.ConvertedAmount = converted
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	txHash := ""
	receipt, err := e.ledger.SubmitSettlement(ctx, ledger.SettlementRequest{
		SessionID:   sessionID,
		PayerUserID: claimed.PayerUserID,
		Amount:      amount,
		Direction:   claimed.Direction,
	})
	switch {
	case err == nil:
		txHash = receipt.TxHash
	case ledger.IsTransient(err):
		txHash = "already_processed"
		e.logger.Warn("ledger reported duplicate settlement, continuing",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
	default:
		e.metrics.Settlement("failed")
		e.fail(sessionID, fmt.Sprintf("settlement submission: %v", err))
		return Result{}, fmt.Errorf("submit settlement: %w", err)
	}

	initiated, err := e.sessions.Update(sessionID, func(s *session.Session) error {
		if err := s.Advance(session.StatusPaymentInitiated); err != nil {
			return err
		}
		s.SettlementTx = txHash
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.metrics.Settlement("initiated")
	e.logger.Info("settlement initiated",
		slog.String("session_id", sessionID),
		slog.String("direction", string(initiated.Direction)),
		slog.Int64("amount", amount),
		slog.Int64("converted_amount", converted),
		slog.String("tx_hash", txHash),
	)

	e.schedule(sessionID)

	return Result{
		SessionID:       sessionID,
		Amount:          amount,
		ConvertedAmount: converted,
		Direction:       initiated.Direction,
		Status:          initiated.Status,
		TxHash:          txHash,
	}, nil
}

// Done returns a channel closed when the completion for sessionID has
// finished. It is already closed when nothing is pending.
func (e *Engine) Done(sessionID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.pending[sessionID]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Wait blocks until all scheduled completions finished or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) schedule(sessionID string) {
	done := make(chan struct{})
	e.mu.Lock()
	e.pending[sessionID] = done
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.pending, sessionID)
			e.mu.Unlock()
			close(done)
		}()

		if e.delay > 0 {
			time.Sleep(e.delay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
		defer cancel()
		e.complete(ctx, sessionID)
	}()
}

func (e *Engine) complete(ctx context.Context, sessionID string) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		e.logger.Error("settlement completion lost its session", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	log := e.logger.With(slog.String("session_id", sessionID))

	if err := e.applyBalances(ctx, sess); err != nil {
		log.Error("apply settlement balances", slog.Any("error", err))
		e.metrics.Settlement("failed")
		e.fail(sessionID, fmt.Sprintf("balance update: %v", err))
		e.notify(ctx, notification.KindSettlementFailed, sess, err.Error())
		return
	}

	originOK := e.confirmOnLedger(ctx, sess, session.Origin)
	destinationOK := e.confirmOnLedger(ctx, sess, session.Destination)
	settled := originOK && destinationOK
	if !settled {
		e.notify(ctx, notification.KindLedgerUnconfirmed, sess, "local balances applied, ledger confirmation pending reconciliation")
	}

	final, err := e.sessions.Update(sessionID, func(s *session.Session) error {
		if err := s.Advance(session.StatusCompleted); err != nil {
			return err
		}
		s.LedgerSettled = settled
		s.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		log.Error("mark settlement completed", slog.Any("error", err))
		return
	}
	e.metrics.Settlement("completed")
	log.Info("settlement completed",
		slog.Int64("amount", final.Amount),
		slog.Int64("converted_amount", final.ConvertedAmount),
		slog.Bool("ledger_settled", settled),
	)
	e.notify(ctx, notification.KindSettlementCompleted, final,
		fmt.Sprintf("debited %d from %s, credited %d to %s", final.Amount, final.PayerUserID, final.ConvertedAmount, final.MerchantID))
}

// applyBalances debits the payer and credits the merchant. A failure after the
// debit leaves the debit in place.
func (e *Engine) applyBalances(ctx context.Context, sess session.Session) error {
	_, err := e.banks.Mutate(ctx, sess.OriginBank, func(rec *bank.Record) error {
		payer, err := rec.User(sess.PayerUserID)
		if err != nil {
			return err
		}
		if payer.Balance < sess.Amount {
			return ErrInsufficientFunds
		}
		payer.Balance -= sess.Amount
		return nil
	})
	if err != nil {
		return fmt.Errorf("debit %s at %s: %w", sess.PayerUserID, sess.OriginBank, err)
	}

	_, err = e.banks.Mutate(ctx, sess.DestinationBank, func(rec *bank.Record) error {
		merchant, err := rec.Merchant(sess.MerchantID)
		if err != nil {
			return err
		}
		merchant.Balance += sess.ConvertedAmount
		return nil
	})
	if err != nil {
		return fmt.Errorf("credit %s at %s: %w", sess.MerchantID, sess.DestinationBank, err)
	}
	return nil
}

func (e *Engine) confirmOnLedger(ctx context.Context, sess session.Session, side session.Side) bool {
	_, err := e.ledger.ConfirmSettlement(ctx, ledger.ConfirmSettlementRequest{
		SessionID:  sess.ID,
		MerchantID: sess.MerchantID,
		OriginSide: side == session.Origin,
		Success:    true,
	})
	if err == nil || ledger.IsTransient(err) {
		return true
	}
	e.logger.Error("confirm settlement on ledger",
		slog.String("session_id", sess.ID),
		slog.String("side", side.String()),
		slog.Any("error", err),
	)
	return false
}

func (e *Engine) fail(sessionID, reason string) {
	_, err := e.sessions.Update(sessionID, func(s *session.Session) error {
		return s.Fail(reason)
	})
	if err != nil {
		e.logger.Error("mark session failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

func (e *Engine) notify(ctx context.Context, kind string, sess session.Session, body string) {
	if e.notifier == nil {
		return
	}
	_ = e.notifier.Send(ctx, notification.Message{
		Kind:        kind,
		SessionID:   sess.ID,
		Destination: string(sess.DestinationBank),
		Body:        body,
	})
}
