package bank

import "errors"

// InstitutionID identifies one of the cooperating banks.
type InstitutionID string

const (
	// ThaiBank serves Thai payers and merchants.
	ThaiBank InstitutionID = "THAI_BANK_001"
	// Maybank serves Malaysian payers and merchants.
	Maybank InstitutionID = "MAYBANK_001"
)

// Country is the jurisdiction tag carried by payers and merchants.
type Country string

const (
	Thailand Country = "Thailand"
	Malaysia Country = "Malaysia"
)

var (
	// ErrUnknownInstitution is returned for institution identifiers outside the directory.
	ErrUnknownInstitution = errors.New("unknown institution")
	// ErrRecordNotFound indicates the store holds no record for an institution.
	ErrRecordNotFound = errors.New("institution record not found")
	// ErrMerchantNotFound indicates no merchant matched the lookup.
	ErrMerchantNotFound = errors.New("merchant not found")
	// ErrUserNotFound indicates no user matched the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrMissingKey indicates the institution record carries no usable key material.
	ErrMissingKey = errors.New("institution key not configured")
)

// Institution is the static description of a bank.
type Institution struct {
	ID       InstitutionID
	Country  Country
	Currency string
}

var institutions = map[InstitutionID]Institution{
	ThaiBank: {ID: ThaiBank, Country: Thailand, Currency: "THB"},
	Maybank:  {ID: Maybank, Country: Malaysia, Currency: "MYR"},
}

// Lookup returns the institution registered under id.
func Lookup(id InstitutionID) (Institution, error) {
	inst, ok := institutions[id]
	if !ok {
		return Institution{}, ErrUnknownInstitution
	}
	return inst, nil
}

// ForCountry returns the institution serving the given jurisdiction.
func ForCountry(country Country) (Institution, error) {
	for _, inst := range institutions {
		if inst.Country == country {
			return inst, nil
		}
	}
	return Institution{}, ErrUnknownInstitution
}

// All lists every known institution in a stable order.
func All() []Institution {
	return []Institution{institutions[ThaiBank], institutions[Maybank]}
}

// Keys is the institution's RSA key pair in PEM form.
type Keys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// User is a payer account. Balance is in minor units of the institution currency.
type User struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// Merchant is a payee account. Balance is in minor units of the institution currency.
type Merchant struct {
	MerchantID string `json:"merchantId"`
	Name       string `json:"name"`
	QRCode     string `json:"qrCode"`
	Balance    int64  `json:"balance"`
}

// Record is everything one institution persists. It is always read and written whole.
type Record struct {
	InstitutionID InstitutionID `json:"institutionId"`
	Country       Country       `json:"country"`
	Currency      string        `json:"currency"`
	Keys          Keys          `json:"bankKeys"`
	Users         []User        `json:"users"`
	Merchants     []Merchant    `json:"merchants"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (r Record) Clone() Record {
	out := r
	out.Users = append([]User(nil), r.Users...)
	out.Merchants = append([]Merchant(nil), r.Merchants...)
	return out
}

// User returns a pointer into the record's user slice.
func (r *Record) User(id string) (*User, error) {
	for i := range r.Users {
		if r.Users[i].UserID == id {
			return &r.Users[i], nil
		}
	}
	return nil, ErrUserNotFound
}

// Merchant returns a pointer into the record's merchant slice.
func (r *Record) Merchant(id string) (*Merchant, error) {
	for i := range r.Merchants {
		if r.Merchants[i].MerchantID == id {
			return &r.Merchants[i], nil
		}
	}
	return nil, ErrMerchantNotFound
}

// MerchantByQR finds the merchant advertising the given QR code.
func (r *Record) MerchantByQR(code string) (*Merchant, error) {
	for i := range r.Merchants {
		if r.Merchants[i].QRCode == code {
			return &r.Merchants[i], nil
		}
	}
	return nil, ErrMerchantNotFound
}
