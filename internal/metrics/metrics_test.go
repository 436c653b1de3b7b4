package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qrbridge/qrbridge/internal/ledger"
)

func TestMetricsRecordOutcomes(t *testing.T) {
	m := New(func() int { return 4 })

	m.Verification("THAI_BANK_001", "verified")
	m.Verification("THAI_BANK_001", "verified")
	m.Settlement("completed")
	m.ObserveLedgerCall(string(ledger.OpConfirmVerification), time.Second, &ledger.Error{Code: ledger.CodeAlreadyKnown})

	if got := testutil.ToFloat64(m.verifications.WithLabelValues("THAI_BANK_001", "verified")); got != 2 {
		t.Fatalf("expected 2 verifications, got %v", got)
	}
	if got := testutil.ToFloat64(m.settlements.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected 1 settlement, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessions); got != 4 {
		t.Fatalf("expected 4 live sessions, got %v", got)
	}
	if n := testutil.CollectAndCount(m.ledgerCalls); n != 1 {
		t.Fatalf("expected one ledger series, got %d", n)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Verification("x", "y")
	m.Settlement("failed")
	m.ObserveLedgerCall("op", time.Millisecond, errors.New("boom"))
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}
