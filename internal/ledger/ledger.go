package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/qrbridge/qrbridge/internal/bank"
)

// Op names a ledger operation for logging, metrics and error reporting.
type Op string

const (
	OpInitiate            Op = "initiate_payment"
	OpConfirmVerification Op = "confirm_verification"
	OpSubmitSettlement    Op = "submit_settlement"
	OpConfirmSettlement   Op = "confirm_settlement"
)

// Code is the closed set of failure classes a ledger client may report.
type Code string

const (
	CodeUnknown Code = "unknown"
	// CodeAlreadyKnown: the node already holds an identical transaction.
	CodeAlreadyKnown Code = "already_known"
	// CodeReplacementUnderpriced: a transaction with the same nonce is pending
	// and ours did not outbid it.
	CodeReplacementUnderpriced Code = "replacement_underpriced"
	// CodeNonceTooLow: the nonce was consumed before our submission landed.
	CodeNonceTooLow Code = "nonce_too_low"
	// CodeUnavailable: the transaction never reached the node.
	CodeUnavailable Code = "unavailable"
	// CodeTimeout: the transaction was submitted but inclusion was not observed in time.
	CodeTimeout Code = "timeout"
	// CodeReverted: the transaction was included and reverted.
	CodeReverted Code = "reverted"
	// CodeRejected: the node refused the transaction for any other reason.
	CodeRejected Code = "rejected"
)

// Error is the only error type ledger clients return.
type Error struct {
	Op     Op
	Code   Code
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the failure class of err, or CodeUnknown.
func CodeOf(err error) Code {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return CodeUnknown
}

// IsTransient reports whether err belongs to the duplicate-submission or
// fee-collision class. Callers treat their local outcome as authoritative for
// these and report success.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeAlreadyKnown, CodeReplacementUnderpriced:
		return true
	default:
		return false
	}
}

// Retryable reports whether a fresh submission attempt is safe: the previous
// attempt either never reached the node or lost its nonce.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeNonceTooLow:
		return true
	default:
		return false
	}
}

// Receipt identifies an included transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// InitiateRequest records a new session and the destination ciphertext.
type InitiateRequest struct {
	SessionID             string
	MerchantID            string
	DestinationCiphertext []byte
	Direction             bank.Direction
}

// VerificationRequest records one institution's verification outcome.
type VerificationRequest struct {
	SessionID     string
	Verified      bool
	InstitutionID bank.InstitutionID
	OriginSide    bool
}

// SettlementRequest submits the payer-side settlement transaction.
type SettlementRequest struct {
	SessionID   string
	PayerUserID string
	Amount      int64
	Direction   bank.Direction
}

// ConfirmSettlementRequest confirms settlement for one side of the payment.
type ConfirmSettlementRequest struct {
	SessionID  string
	MerchantID string
	OriginSide bool
	Success    bool
}

// Info describes the ledger endpoint for operators.
type Info struct {
	Kind            string `json:"kind"`
	ContractAddress string `json:"contractAddress"`
	Network         string `json:"network"`
	Connected       bool   `json:"isConnected"`
}

// Client is the contract the payment protocol needs from the distributed
// ledger. Every call blocks until the transaction is included or fails.
type Client interface {
	InitiatePayment(ctx context.Context, req InitiateRequest) (Receipt, error)
	ConfirmVerification(ctx context.Context, req VerificationRequest) (Receipt, error)
	SubmitSettlement(ctx context.Context, req SettlementRequest) (Receipt, error)
	ConfirmSettlement(ctx context.Context, req ConfirmSettlementRequest) (Receipt, error)
	Info() Info
}
