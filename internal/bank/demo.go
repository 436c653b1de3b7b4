package bank

import (
	"context"
	"errors"
	"fmt"

	"github.com/qrbridge/qrbridge/internal/envelope"
)

// Demo QR codes advertised by the seeded merchants.
const (
	DemoQRMaybankMerchant = "QR_MAYBANK_M1"
	DemoQRThaiMerchant    = "QR_THAI_M2"
)

// DemoRecords returns the seeded institution records used by local
// environments and tests: U1 and M2 at the Thai bank, U2 and M1 at Maybank.
// Balances are in minor units.
func DemoRecords(thaiKeys, maybankKeys Keys) []Record {
	return []Record{
		{
			InstitutionID: ThaiBank,
			Country:       Thailand,
			Currency:      "THB",
			Keys:          thaiKeys,
			Users: []User{
				{UserID: "U1", Name: "Somchai Jaidee", Balance: 100_000},
			},
			Merchants: []Merchant{
				{MerchantID: "M2", Name: "Bangkok Noodle House", QRCode: DemoQRThaiMerchant, Balance: 0},
			},
		},
		{
			InstitutionID: Maybank,
			Country:       Malaysia,
			Currency:      "MYR",
			Keys:          maybankKeys,
			Users: []User{
				{UserID: "U2", Name: "Aisyah Rahman", Balance: 100_000},
			},
			Merchants: []Merchant{
				{MerchantID: "M1", Name: "Kuala Lumpur Kopitiam", QRCode: DemoQRMaybankMerchant, Balance: 0},
			},
		},
	}
}

// SeedDemo writes the demo records with freshly generated key pairs. Existing
// records are left alone unless overwrite is set. It reports whether anything
// was written.
func SeedDemo(ctx context.Context, repo Repository, overwrite bool) (bool, error) {
	if !overwrite {
		_, err := repo.Load(ctx, ThaiBank)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return false, err
		}
	}

	keys := make([]Keys, 2)
	for i := range keys {
		pub, priv, err := envelope.GenerateKeyPair(2048)
		if err != nil {
			return false, fmt.Errorf("generate keys: %w", err)
		}
		keys[i] = Keys{PublicKey: pub, PrivateKey: priv}
	}
	for _, rec := range DemoRecords(keys[0], keys[1]) {
		if err := repo.Save(ctx, rec.InstitutionID, rec); err != nil {
			return false, fmt.Errorf("save %s: %w", rec.InstitutionID, err)
		}
	}
	return true, nil
}
