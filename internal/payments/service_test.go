package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/bank/banktest"
	"github.com/qrbridge/qrbridge/internal/envelope"
	"github.com/qrbridge/qrbridge/internal/ledger"
	"github.com/qrbridge/qrbridge/internal/logging"
	"github.com/qrbridge/qrbridge/internal/notification"
	"github.com/qrbridge/qrbridge/internal/session"
	"github.com/qrbridge/qrbridge/internal/settlement"
	"github.com/qrbridge/qrbridge/internal/verification"
)

type testNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (n *testNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *testNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.messages))
	for _, m := range n.messages {
		out = append(out, m.Kind)
	}
	return out
}

type harness struct {
	svc      *Service
	sessions *session.Store
	banks    *bank.Service
	engine   *settlement.Engine
	notifier *testNotifier
}

func newHarness(t *testing.T, client ledger.Client) *harness {
	t.Helper()
	sessions := session.NewStore()
	banks := bank.NewService(banktest.Repository(t))
	notifier := &testNotifier{}
	logger := logging.Discard()
	verifier := verification.NewService(sessions, banks, client, notifier, nil, logger)
	engine := settlement.NewEngine(sessions, banks, client, notifier, nil, logger, 0)
	return &harness{
		svc:      NewService(sessions, banks, client, verifier, engine, logger),
		sessions: sessions,
		banks:    banks,
		engine:   engine,
		notifier: notifier,
	}
}

func (h *harness) scanU1(t *testing.T) ScanResult {
	t.Helper()
	res, err := h.svc.ScanQR(context.Background(), ScanInput{
		QRCode:       bank.DemoQRMaybankMerchant,
		PayerUserID:  "U1",
		PayerCountry: bank.Thailand,
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return res
}

func TestScenarioThailandToMalaysiaCompletes(t *testing.T) {
	mem := ledger.NewInMemory()
	h := newHarness(t, mem)
	ctx := context.Background()

	scan := h.scanU1(t)
	if scan.Status != session.StatusPendingVerification || scan.Direction != bank.ThailandToMalaysia || scan.MerchantName == "" {
		t.Fatalf("unexpected scan result %+v", scan)
	}
	initiations := mem.Calls(ledger.OpInitiate)
	if len(initiations) != 1 || len(initiations[0].Request.(ledger.InitiateRequest).DestinationCiphertext) == 0 {
		t.Fatalf("expected initiation carrying the destination ciphertext, got %+v", initiations)
	}

	origin, err := h.svc.Verify(ctx, scan.SessionID, bank.ThaiBank)
	if err != nil || origin.Status != session.StatusPartialVerification {
		t.Fatalf("origin confirm: %+v, %v", origin, err)
	}
	destination, err := h.svc.Verify(ctx, scan.SessionID, bank.Maybank)
	if err != nil || destination.Status != session.StatusVerified {
		t.Fatalf("destination confirm: %+v, %v", destination, err)
	}

	res, err := h.svc.ProcessPayment(ctx, scan.SessionID, 50_000)
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	if res.Status != session.StatusPaymentInitiated {
		t.Fatalf("expected payment_initiated, got %s", res.Status)
	}
	<-h.engine.Done(scan.SessionID)

	sess, err := h.svc.Status(scan.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if sess.Status != session.StatusCompleted || sess.CompletedAt.IsZero() {
		t.Fatalf("expected completed session, got %+v", sess)
	}

	payer, err := h.banks.FindUser(ctx, bank.ThaiBank, "U1")
	if err != nil {
		t.Fatalf("find payer: %v", err)
	}
	rec, err := h.banks.Load(ctx, bank.Maybank)
	if err != nil {
		t.Fatalf("load maybank: %v", err)
	}
	merchant, _ := rec.Merchant("M1")
	if payer.Balance != 50_000 || merchant.Balance != 6_500 {
		t.Fatalf("expected U1=500.00 and M1=65.00, got %d and %d", payer.Balance, merchant.Balance)
	}

	kinds := h.notifier.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != notification.KindSettlementCompleted {
		t.Fatalf("expected settlement notification last, got %v", kinds)
	}
}

func TestScenarioMismatchedDestinationPayloadBlocksSettlement(t *testing.T) {
	h := newHarness(t, ledger.NewInMemory())
	ctx := context.Background()
	scan := h.scanU1(t)

	_, maybankKeys := banktest.Keys(t)
	pub, err := envelope.ParsePublicKey(maybankKeys.PublicKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	forged, err := envelope.Encrypt(envelope.Payload{SessionID: scan.SessionID, MerchantID: "M2", PayerUserID: "U1"}, pub)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := h.sessions.Update(scan.SessionID, func(s *session.Session) error {
		s.DestinationCiphertext = forged
		return nil
	}); err != nil {
		t.Fatalf("swap ciphertext: %v", err)
	}

	if _, err := h.svc.Verify(ctx, scan.SessionID, bank.ThaiBank); err != nil {
		t.Fatalf("origin confirm: %v", err)
	}
	res, err := h.svc.Verify(ctx, scan.SessionID, bank.Maybank)
	if err != nil {
		t.Fatalf("destination confirm: %v", err)
	}
	if res.Verified || res.Status != session.StatusVerificationFailed {
		t.Fatalf("expected verification_failed, got %+v", res)
	}

	_, err = h.svc.ProcessPayment(ctx, scan.SessionID, 10_000)
	if !errors.Is(err, settlement.ErrNotVerified) || errors.Is(err, settlement.ErrInsufficientFunds) {
		t.Fatalf("expected not verified refusal, got %v", err)
	}
	payer, _ := h.banks.FindUser(ctx, bank.ThaiBank, "U1")
	if payer.Balance != 100_000 {
		t.Fatalf("expected untouched balance, got %d", payer.Balance)
	}
}

type gatedLedger struct {
	*ledger.Memory
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) ConfirmVerification(ctx context.Context, req ledger.VerificationRequest) (ledger.Receipt, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Memory.ConfirmVerification(ctx, req)
}

func TestScenarioConcurrentOriginConfirmations(t *testing.T) {
	gate := &gatedLedger{Memory: ledger.NewInMemory(), entered: make(chan struct{}, 2), release: make(chan struct{})}
	h := newHarness(t, gate)
	scan := h.scanU1(t)
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.svc.Verify(ctx, scan.SessionID, bank.ThaiBank)
			errs <- err
		}()
	}

	<-gate.entered
	// One call is parked in the ledger; the other must bounce off the flag.
	if err := <-errs; !errors.Is(err, verification.ErrAlreadyProcessing) {
		t.Fatalf("expected already processing, got %v", err)
	}
	close(gate.release)
	if err := <-errs; err != nil {
		t.Fatalf("expected winning confirmation to succeed, got %v", err)
	}

	if n := gate.Count(ledger.OpConfirmVerification); n != 1 {
		t.Fatalf("expected one ledger confirmation, got %d", n)
	}
	sess, _ := h.svc.Status(scan.SessionID)
	if sess.OriginVerified != session.OutcomeVerified || sess.OriginProcessing {
		t.Fatalf("unexpected final session %+v", sess)
	}
}

func TestScanQRErrors(t *testing.T) {
	h := newHarness(t, ledger.NewInMemory())
	ctx := context.Background()

	cases := []struct {
		name string
		in   ScanInput
		want error
	}{
		{"unknown qr", ScanInput{QRCode: "QR_NOPE", PayerUserID: "U1", PayerCountry: bank.Thailand}, bank.ErrMerchantNotFound},
		{"unknown payer", ScanInput{QRCode: bank.DemoQRMaybankMerchant, PayerUserID: "U9", PayerCountry: bank.Thailand}, bank.ErrUserNotFound},
		{"same country", ScanInput{QRCode: bank.DemoQRMaybankMerchant, PayerUserID: "U2", PayerCountry: bank.Malaysia}, bank.ErrUnsupportedDirection},
		{"missing fields", ScanInput{QRCode: bank.DemoQRMaybankMerchant}, ErrInvalidRequest},
	}
	for _, tc := range cases {
		if _, err := h.svc.ScanQR(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if n := h.sessions.Len(); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestScanQRLedgerFailureFailsSession(t *testing.T) {
	mem := ledger.NewInMemory()
	mem.FailNext(ledger.OpInitiate, &ledger.Error{Op: ledger.OpInitiate, Code: ledger.CodeUnavailable, Err: errors.New("dial tcp: connection refused")})
	h := newHarness(t, mem)

	_, err := h.svc.ScanQR(context.Background(), ScanInput{QRCode: bank.DemoQRMaybankMerchant, PayerUserID: "U1", PayerCountry: bank.Thailand})
	if ledger.CodeOf(err) != ledger.CodeUnavailable {
		t.Fatalf("expected unavailable ledger error, got %v", err)
	}
	if h.sessions.Len() != 1 {
		t.Fatalf("expected the failed session to be kept for inspection")
	}
}

func TestGenerateQRFindsMerchantInEitherInstitution(t *testing.T) {
	h := newHarness(t, ledger.NewInMemory())
	ctx := context.Background()

	qr, err := h.svc.GenerateQR(ctx, "M2")
	if err != nil {
		t.Fatalf("generate qr: %v", err)
	}
	if qr.QRCode != bank.DemoQRThaiMerchant || qr.Country != bank.Thailand || qr.Currency != "THB" {
		t.Fatalf("unexpected qr data %+v", qr)
	}
	if _, err := h.svc.GenerateQR(ctx, "M404"); !errors.Is(err, bank.ErrMerchantNotFound) {
		t.Fatalf("expected merchant not found, got %v", err)
	}
}
