package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Service wraps a Repository with per-institution serialization of
// read-modify-write cycles. Records are always loaded and saved whole, so two
// unsynchronized balance updates on the same institution would lose one write.
type Service struct {
	repo  Repository
	locks map[InstitutionID]*sync.Mutex
}

// NewService builds a bank service over the given repository.
func NewService(repo Repository) *Service {
	locks := make(map[InstitutionID]*sync.Mutex, len(institutions))
	for id := range institutions {
		locks[id] = &sync.Mutex{}
	}
	return &Service{repo: repo, locks: locks}
}

// Load returns a copy of the institution record.
func (s *Service) Load(ctx context.Context, id InstitutionID) (Record, error) {
	if _, err := Lookup(id); err != nil {
		return Record{}, err
	}
	return s.repo.Load(ctx, id)
}

// Mutate loads the record, applies fn and saves the result while holding the
// institution lock. Nothing is saved when fn fails.
func (s *Service) Mutate(ctx context.Context, id InstitutionID, fn func(*Record) error) (Record, error) {
	lock, ok := s.locks[id]
	if !ok {
		return Record{}, ErrUnknownInstitution
	}
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.repo.Load(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	if err := s.repo.Save(ctx, id, rec); err != nil {
		return Record{}, fmt.Errorf("save %s: %w", id, err)
	}
	return rec, nil
}

// MerchantMatch is a merchant together with the institution that holds it.
type MerchantMatch struct {
	Merchant    Merchant
	Institution Institution
}

// FindMerchantByQR searches every institution for the merchant advertising code.
func (s *Service) FindMerchantByQR(ctx context.Context, code string) (MerchantMatch, error) {
	return s.findMerchant(ctx, func(r *Record) (*Merchant, error) { return r.MerchantByQR(code) })
}

// FindMerchant searches every institution for the merchant with the given id.
func (s *Service) FindMerchant(ctx context.Context, merchantID string) (MerchantMatch, error) {
	return s.findMerchant(ctx, func(r *Record) (*Merchant, error) { return r.Merchant(merchantID) })
}

func (s *Service) findMerchant(ctx context.Context, match func(*Record) (*Merchant, error)) (MerchantMatch, error) {
	for _, inst := range All() {
		rec, err := s.repo.Load(ctx, inst.ID)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			return MerchantMatch{}, err
		}
		m, err := match(&rec)
		if err == nil {
			return MerchantMatch{Merchant: *m, Institution: inst}, nil
		}
	}
	return MerchantMatch{}, ErrMerchantNotFound
}

// FindUser returns the user held by institution id.
func (s *Service) FindUser(ctx context.Context, id InstitutionID, userID string) (User, error) {
	rec, err := s.Load(ctx, id)
	if err != nil {
		return User{}, err
	}
	u, err := rec.User(userID)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

// Keys returns the institution key pair, failing when either half is empty.
func (s *Service) Keys(ctx context.Context, id InstitutionID) (Keys, error) {
	rec, err := s.Load(ctx, id)
	if err != nil {
		return Keys{}, err
	}
	if rec.Keys.PublicKey == "" || rec.Keys.PrivateKey == "" {
		return Keys{}, fmt.Errorf("%s: %w", id, ErrMissingKey)
	}
	return rec.Keys, nil
}
