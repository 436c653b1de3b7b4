package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives the outcome of every ledger attempt.
type Observer interface {
	ObserveLedgerCall(op string, elapsed time.Duration, err error)
}

// Policy bounds how long a single ledger attempt may take and how often a
// failed submission is retried.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Retrying decorates a Client with per-attempt timeouts and bounded
// exponential backoff. Only Retryable failures are attempted again; anything
// that may already have reached the ledger is returned to the caller as is.
type Retrying struct {
	next     Client
	policy   Policy
	logger   *slog.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps next with policy.
func WithRetry(next Client, policy Policy, logger *slog.Logger, observer Observer) *Retrying {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrying{next: next, policy: policy, logger: logger, observer: observer, sleep: sleepCtx}
}

func (r *Retrying) InitiatePayment(ctx context.Context, req InitiateRequest) (Receipt, error) {
	return r.do(ctx, OpInitiate, req.SessionID, func(ctx context.Context) (Receipt, error) {
		return r.next.InitiatePayment(ctx, req)
	})
}

func (r *Retrying) ConfirmVerification(ctx context.Context, req VerificationRequest) (Receipt, error) {
	return r.do(ctx, OpConfirmVerification, req.SessionID, func(ctx context.Context) (Receipt, error) {
		return r.next.ConfirmVerification(ctx, req)
	})
}

func (r *Retrying) SubmitSettlement(ctx context.Context, req SettlementRequest) (Receipt, error) {
	return r.do(ctx, OpSubmitSettlement, req.SessionID, func(ctx context.Context) (Receipt, error) {
		return r.next.SubmitSettlement(ctx, req)
	})
}

func (r *Retrying) ConfirmSettlement(ctx context.Context, req ConfirmSettlementRequest) (Receipt, error) {
	return r.do(ctx, OpConfirmSettlement, req.SessionID, func(ctx context.Context) (Receipt, error) {
		return r.next.ConfirmSettlement(ctx, req)
	})
}

func (r *Retrying) Info() Info { return r.next.Info() }

func (r *Retrying) do(ctx context.Context, op Op, sessionID string, call func(context.Context) (Receipt, error)) (Receipt, error) {
	var (
		receipt Receipt
		err     error
	)
	delay := r.policy.Backoff
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		receipt, err = r.attempt(ctx, op, call)
		if err == nil || !Retryable(err) || attempt == r.policy.MaxAttempts {
			return receipt, err
		}
		if r.logger != nil {
			r.logger.Warn("ledger call failed, retrying",
				slog.String("op", string(op)),
				slog.String("session_id", sessionID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.Any("error", err),
			)
		}
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return receipt, err
		}
		delay *= 2
	}
	return receipt, err
}

func (r *Retrying) attempt(ctx context.Context, op Op, call func(context.Context) (Receipt, error)) (Receipt, error) {
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}
	start := time.Now()
	receipt, err := call(ctx)
	if r.observer != nil {
		r.observer.ObserveLedgerCall(string(op), time.Since(start), err)
	}
	return receipt, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
