package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Call is one transaction recorded by the in-memory ledger.
type Call struct {
	Op        Op
	SessionID string
	Nonce     uint64
	TxHash    string
	Request   any
}

// Memory is an in-process ledger used in development and tests. It assigns
// nonces through a NonceManager exactly like the remote client does.
type Memory struct {
	nonces *NonceManager

	mu       sync.Mutex
	calls    []Call
	failures map[Op][]error
	delay    time.Duration
	block    uint64
}

// NewInMemory creates an empty in-memory ledger.
func NewInMemory() *Memory {
	m := &Memory{failures: make(map[Op][]error)}
	m.nonces = NewNonceManager(func(context.Context) (uint64, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return uint64(len(m.calls)), nil
	})
	return m
}

// SetDelay makes every call wait d before inclusion, honouring ctx.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailNext queues err as the result of the next call to op.
func (m *Memory) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Calls returns the recorded transactions for op, or all of them when op is empty.
func (m *Memory) Calls(op Op) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, 0, len(m.calls))
	for _, c := range m.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of recorded transactions for op.
func (m *Memory) Count(op Op) int {
	return len(m.Calls(op))
}

func (m *Memory) InitiatePayment(ctx context.Context, req InitiateRequest) (Receipt, error) {
	return m.record(ctx, OpInitiate, req.SessionID, req)
}

func (m *Memory) ConfirmVerification(ctx context.Context, req VerificationRequest) (Receipt, error) {
	return m.record(ctx, OpConfirmVerification, req.SessionID, req)
}

func (m *Memory) SubmitSettlement(ctx context.Context, req SettlementRequest) (Receipt, error) {
	if req.Amount <= 0 {
		return Receipt{}, &Error{Op: OpSubmitSettlement, Code: CodeReverted, Err: fmt.Errorf("amount must be positive")}
	}
	return m.record(ctx, OpSubmitSettlement, req.SessionID, req)
}

func (m *Memory) ConfirmSettlement(ctx context.Context, req ConfirmSettlementRequest) (Receipt, error) {
	return m.record(ctx, OpConfirmSettlement, req.SessionID, req)
}

func (m *Memory) Info() Info {
	return Info{Kind: "memory", Network: "in-process", Connected: true}
}

func (m *Memory) record(ctx context.Context, op Op, sessionID string, req any) (Receipt, error) {
	m.mu.Lock()
	delay := m.delay
	var injected error
	if queued := m.failures[op]; len(queued) > 0 {
		injected = queued[0]
		m.failures[op] = queued[1:]
	}
	m.mu.Unlock()

	if injected != nil {
		return Receipt{}, injected
	}

	var receipt Receipt
	err := m.nonces.Submit(ctx, func(nonce uint64) error {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s", op, sessionID, nonce, uuid.NewString())))
		hash := "0x" + hex.EncodeToString(sum[:])

		m.mu.Lock()
		defer m.mu.Unlock()
		m.block++
		m.calls = append(m.calls, Call{Op: op, SessionID: sessionID, Nonce: nonce, TxHash: hash, Request: req})
		receipt = Receipt{TxHash: hash, BlockNumber: m.block}
		return nil
	})
	if err != nil {
		return Receipt{}, &Error{Op: op, Code: CodeUnavailable, Err: err}
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Receipt{TxHash: receipt.TxHash}, &Error{Op: op, Code: CodeTimeout, TxHash: receipt.TxHash, Err: ctx.Err()}
		case <-t.C:
		}
	}
	return receipt, nil
}
