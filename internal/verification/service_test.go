package verification

import (
	"context"
	"errors"
	"testing"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/bank/banktest"
	"github.com/qrbridge/qrbridge/internal/envelope"
	"github.com/qrbridge/qrbridge/internal/ledger"
	"github.com/qrbridge/qrbridge/internal/logging"
	"github.com/qrbridge/qrbridge/internal/session"
)

type fixture struct {
	store   *session.Store
	banks   *bank.Service
	service *Service
}

func newFixture(t *testing.T, client ledger.Client) *fixture {
	t.Helper()
	banks := bank.NewService(banktest.Repository(t))
	store := session.NewStore()
	return &fixture{
		store:   store,
		banks:   banks,
		service: NewService(store, banks, client, nil, nil, logging.Discard()),
	}
}

// openSession stores a U1 -> M1 session whose destination copy carries
// destinationMerchant instead of the real merchant id.
func (f *fixture) openSession(t *testing.T, destinationMerchant string) session.Session {
	t.Helper()
	thai, may := banktest.Keys(t)
	thaiPub, err := envelope.ParsePublicKey(thai.PublicKey)
	if err != nil {
		t.Fatalf("parse thai key: %v", err)
	}
	mayPub, err := envelope.ParsePublicKey(may.PublicKey)
	if err != nil {
		t.Fatalf("parse maybank key: %v", err)
	}

	id := session.NewID()
	payload := envelope.Payload{SessionID: id, MerchantID: "M1", PayerUserID: "U1", CreatedAt: 1}
	origin, err := envelope.Encrypt(payload, thaiPub)
	if err != nil {
		t.Fatalf("encrypt origin: %v", err)
	}
	payload.MerchantID = destinationMerchant
	destination, err := envelope.Encrypt(payload, mayPub)
	if err != nil {
		t.Fatalf("encrypt destination: %v", err)
	}

	sess, err := f.store.Create(session.Session{
		ID:                    id,
		MerchantID:            "M1",
		PayerUserID:           "U1",
		PayerCountry:          bank.Thailand,
		MerchantCountry:       bank.Malaysia,
		Direction:             bank.ThailandToMalaysia,
		OriginBank:            bank.ThaiBank,
		DestinationBank:       bank.Maybank,
		OriginCiphertext:      origin,
		DestinationCiphertext: destination,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestConfirmBothSidesReachesVerified(t *testing.T) {
	mem := ledger.NewInMemory()
	f := newFixture(t, mem)
	sess := f.openSession(t, "M1")
	ctx := context.Background()

	res, err := f.service.Confirm(ctx, sess.ID, bank.ThaiBank)
	if err != nil {
		t.Fatalf("confirm origin: %v", err)
	}
	if !res.Verified || res.Status != session.StatusPartialVerification || res.TxHash == "" {
		t.Fatalf("unexpected origin result %+v", res)
	}

	res, err = f.service.Confirm(ctx, sess.ID, bank.Maybank)
	if err != nil {
		t.Fatalf("confirm destination: %v", err)
	}
	if !res.Verified || res.Status != session.StatusVerified {
		t.Fatalf("unexpected destination result %+v", res)
	}

	got, _ := f.store.Get(sess.ID)
	if got.OriginProcessing || got.DestinationProcessing {
		t.Fatalf("processing flags left set: %+v", got)
	}
	calls := mem.Calls(ledger.OpConfirmVerification)
	if len(calls) != 2 {
		t.Fatalf("expected 2 ledger confirmations, got %d", len(calls))
	}
	if req := calls[0].Request.(ledger.VerificationRequest); !req.OriginSide || req.InstitutionID != bank.ThaiBank {
		t.Fatalf("unexpected first confirmation %+v", req)
	}
}

func TestConfirmReplayDoesNotCallLedgerAgain(t *testing.T) {
	mem := ledger.NewInMemory()
	f := newFixture(t, mem)
	sess := f.openSession(t, "M1")
	ctx := context.Background()

	first, err := f.service.Confirm(ctx, sess.ID, bank.ThaiBank)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := f.service.Confirm(ctx, sess.ID, bank.ThaiBank)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if !second.Replayed || second.Verified != first.Verified || second.TxHash != txAlreadyVerified {
		t.Fatalf("unexpected replay result %+v", second)
	}
	if n := mem.Count(ledger.OpConfirmVerification); n != 1 {
		t.Fatalf("expected exactly one ledger call, got %d", n)
	}
}

func TestConfirmMismatchedPayloadFailsVerification(t *testing.T) {
	f := newFixture(t, ledger.NewInMemory())
	sess := f.openSession(t, "M2")
	ctx := context.Background()

	if _, err := f.service.Confirm(ctx, sess.ID, bank.ThaiBank); err != nil {
		t.Fatalf("confirm origin: %v", err)
	}
	res, err := f.service.Confirm(ctx, sess.ID, bank.Maybank)
	if err != nil {
		t.Fatalf("confirm destination: %v", err)
	}
	if res.Verified || res.Status != session.StatusVerificationFailed {
		t.Fatalf("expected verification_failed, got %+v", res)
	}
	got, _ := f.store.Get(sess.ID)
	if got.DestinationVerified != session.OutcomeRejected {
		t.Fatalf("expected destination rejected, got %v", got.DestinationVerified)
	}
}

func TestConfirmUndecryptableCiphertextIsNegative(t *testing.T) {
	f := newFixture(t, ledger.NewInMemory())
	sess := f.openSession(t, "M1")
	if _, err := f.store.Update(sess.ID, func(s *session.Session) error {
		s.OriginCiphertext = "bm90LWEtY2lwaGVydGV4dA=="
		return nil
	}); err != nil {
		t.Fatalf("corrupt ciphertext: %v", err)
	}

	res, err := f.service.Confirm(context.Background(), sess.ID, bank.ThaiBank)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Verified || res.Status != session.StatusVerificationFailed {
		t.Fatalf("expected rejected outcome, got %+v", res)
	}
}

func TestConfirmRejectsUnknownSessionAndInstitution(t *testing.T) {
	f := newFixture(t, ledger.NewInMemory())
	ctx := context.Background()

	if _, err := f.service.Confirm(ctx, "session_missing", bank.ThaiBank); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	sess := f.openSession(t, "M1")
	if _, err := f.service.Confirm(ctx, sess.ID, "OTHER_BANK"); !errors.Is(err, bank.ErrUnknownInstitution) {
		t.Fatalf("expected unknown institution, got %v", err)
	}
}

func TestConfirmTransientLedgerErrorKeepsOutcome(t *testing.T) {
	mem := ledger.NewInMemory()
	mem.FailNext(ledger.OpConfirmVerification, &ledger.Error{Op: ledger.OpConfirmVerification, Code: ledger.CodeAlreadyKnown})
	f := newFixture(t, mem)
	sess := f.openSession(t, "M1")

	res, err := f.service.Confirm(context.Background(), sess.ID, bank.ThaiBank)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !res.Verified || res.TxHash != txAlreadyProcessed {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := f.store.Get(sess.ID)
	if got.OriginVerified != session.OutcomeVerified {
		t.Fatalf("expected origin verified, got %v", got.OriginVerified)
	}
}

func TestConfirmFatalLedgerErrorLeavesSessionRetryable(t *testing.T) {
	mem := ledger.NewInMemory()
	mem.FailNext(ledger.OpConfirmVerification, &ledger.Error{Op: ledger.OpConfirmVerification, Code: ledger.CodeRejected, Err: errors.New("insufficient funds for gas")})
	f := newFixture(t, mem)
	sess := f.openSession(t, "M1")
	ctx := context.Background()

	if _, err := f.service.Confirm(ctx, sess.ID, bank.ThaiBank); ledger.CodeOf(err) != ledger.CodeRejected {
		t.Fatalf("expected rejected ledger error, got %v", err)
	}
	got, _ := f.store.Get(sess.ID)
	if got.OriginProcessing || got.OriginVerified.Known() || got.Status != session.StatusPendingVerification {
		t.Fatalf("expected untouched session, got %+v", got)
	}

	if _, err := f.service.Confirm(ctx, sess.ID, bank.ThaiBank); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
}

// gatedLedger blocks verification calls until release is closed.
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

func TestConcurrentConfirmationsRecordOnce(t *testing.T) {
	gate := &gatedLedger{Memory: ledger.NewInMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, gate)
	sess := f.openSession(t, "M1")
	ctx := context.Background()

	var (
		first    Result
		firstErr error
		done     = make(chan struct{})
	)
	go func() {
		defer close(done)
		first, firstErr = f.service.Confirm(ctx, sess.ID, bank.ThaiBank)
	}()
	<-gate.entered

	if _, err := f.service.Confirm(ctx, sess.ID, bank.ThaiBank); !errors.Is(err, ErrAlreadyProcessing) {
		t.Fatalf("expected already processing, got %v", err)
	}

	close(gate.release)
	<-done
	if firstErr != nil || !first.Verified {
		t.Fatalf("unexpected first result %+v, err %v", first, firstErr)
	}
	if n := gate.Count(ledger.OpConfirmVerification); n != 1 {
		t.Fatalf("expected one ledger call, got %d", n)
	}
	got, _ := f.store.Get(sess.ID)
	if got.OriginVerified != session.OutcomeVerified || got.OriginProcessing {
		t.Fatalf("unexpected final session %+v", got)
	}
}
