package notification

import (
	"context"
	"log/slog"
)

const (
	// KindVerification reports one institution's verification outcome.
	KindVerification = "bank_verification"
	// KindSettlementCompleted reports a payment whose balances have moved.
	KindSettlementCompleted = "settlement_completed"
	// KindSettlementFailed reports a payment that could not be booked locally.
	KindSettlementFailed = "settlement_failed"
	// KindLedgerUnconfirmed reports a settlement applied locally whose ledger
	// confirmation did not go through.
	KindLedgerUnconfirmed = "ledger_unconfirmed"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	SessionID   string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("session_id", message.SessionID),
		slog.String("destination", message.Destination),
		slog.String("body", message.Body),
	)
	return nil
}
