package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/qrbridge/qrbridge/internal/bank"
)

func TestMemoryNoncesStrictlyIncrease(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.ConfirmVerification(ctx, VerificationRequest{
				SessionID:     fmt.Sprintf("session-%d", i),
				Verified:      true,
				InstitutionID: bank.ThaiBank,
				OriginSide:    true,
			})
			if err != nil {
				t.Errorf("confirm %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	calls := m.Calls("")
	if len(calls) != workers {
		t.Fatalf("expected %d calls, got %d", workers, len(calls))
	}
	for i, c := range calls {
		if c.Nonce != uint64(i) {
			t.Fatalf("call %d has nonce %d", i, c.Nonce)
		}
	}
}

func TestMemoryFailNext(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	injected := &Error{Op: OpInitiate, Code: CodeAlreadyKnown}
	m.FailNext(OpInitiate, injected)

	if _, err := m.InitiatePayment(ctx, InitiateRequest{SessionID: "s1", Direction: bank.ThailandToMalaysia}); !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if !IsTransient(injected) {
		t.Fatalf("expected already_known to be transient")
	}
	receipt, err := m.InitiatePayment(ctx, InitiateRequest{SessionID: "s1", Direction: bank.ThailandToMalaysia})
	if err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	if receipt.TxHash == "" || receipt.BlockNumber != 1 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if m.Count(OpInitiate) != 1 {
		t.Fatalf("expected one recorded initiate, got %d", m.Count(OpInitiate))
	}
}

func TestMemoryDelayHonoursContext(t *testing.T) {
	m := NewInMemory()
	m.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.ConfirmSettlement(ctx, ConfirmSettlementRequest{SessionID: "s1", OriginSide: true, Success: true})
	if CodeOf(err) != CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
}

func TestErrorClassesAreClosed(t *testing.T) {
	cases := map[Code][2]bool{
		CodeAlreadyKnown:           {true, false},
		CodeReplacementUnderpriced: {true, false},
		CodeNonceTooLow:            {false, true},
		CodeUnavailable:            {false, true},
		CodeTimeout:                {false, false},
		CodeReverted:               {false, false},
		CodeRejected:               {false, false},
	}
	for code, want := range cases {
		err := fmt.Errorf("wrapped: %w", &Error{Op: OpConfirmVerification, Code: code})
		if IsTransient(err) != want[0] || Retryable(err) != want[1] {
			t.Fatalf("%s: transient=%v retryable=%v", code, IsTransient(err), Retryable(err))
		}
	}
	if IsTransient(errors.New("already known")) {
		t.Fatalf("untyped errors must never be transient")
	}
}
