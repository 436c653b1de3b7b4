// Package banktest provides seeded institution records for tests.
package banktest

import (
	"sync"
	"testing"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/envelope"
)

var (
	once        sync.Once
	thaiKeys    bank.Keys
	maybankKeys bank.Keys
	keyErr      error
)

// Keys returns one RSA key pair per institution, generated once per test binary.
func Keys(tb testing.TB) (thai, maybank bank.Keys) {
	tb.Helper()
	once.Do(func() {
		thaiKeys, keyErr = generate()
		if keyErr != nil {
			return
		}
		maybankKeys, keyErr = generate()
	})
	if keyErr != nil {
		tb.Fatalf("generate institution keys: %v", keyErr)
	}
	return thaiKeys, maybankKeys
}

// Repository returns a fresh in-memory repository holding the demo records
// with real key pairs.
func Repository(tb testing.TB) bank.Repository {
	tb.Helper()
	thai, maybank := Keys(tb)
	return bank.NewMemoryRepository(bank.DemoRecords(thai, maybank)...)
}

func generate() (bank.Keys, error) {
	pub, priv, err := envelope.GenerateKeyPair(2048)
	if err != nil {
		return bank.Keys{}, err
	}
	return bank.Keys{PublicKey: pub, PrivateKey: priv}, nil
}
