package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qrbridge/qrbridge/internal/bank"
)

// Status is the position of a session in the payment state machine.
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusPartialVerification Status = "partial_verification"
	StatusVerified            Status = "verified"
	StatusVerificationFailed  Status = "verification_failed"
	StatusPaymentProcessing   Status = "payment_processing"
	StatusPaymentInitiated    Status = "payment_initiated"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
)

var (
	// ErrNotFound is returned for unknown or evicted session ids.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned when a generated id collides with a live session.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrInvalidTransition is returned when a status change is not in the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotParticipant is returned for an institution that is neither origin nor destination.
	ErrNotParticipant = errors.New("institution is not part of this session")
)

var transitions = map[Status][]Status{
	StatusPendingVerification: {StatusPartialVerification, StatusVerified, StatusVerificationFailed, StatusFailed},
	StatusPartialVerification: {StatusVerified, StatusVerificationFailed, StatusFailed},
	StatusVerified:            {StatusPaymentProcessing, StatusFailed},
	StatusPaymentProcessing:   {StatusPaymentInitiated, StatusFailed},
	StatusPaymentInitiated:    {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Outcome is a tri-state verification result.
type Outcome int8

const (
	OutcomeUnknown Outcome = iota
	OutcomeVerified
	OutcomeRejected
)

// OutcomeOf converts a boolean result into an Outcome.
func OutcomeOf(ok bool) Outcome {
	if ok {
		return OutcomeVerified
	}
	return OutcomeRejected
}

// Known reports whether a result has been recorded.
func (o Outcome) Known() bool { return o != OutcomeUnknown }

// Bool returns true only for OutcomeVerified.
func (o Outcome) Bool() bool { return o == OutcomeVerified }

// MarshalJSON renders unknown as null.
func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o {
	case OutcomeVerified:
		return []byte("true"), nil
	case OutcomeRejected:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, true or false.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var v *bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch {
	case v == nil:
		*o = OutcomeUnknown
	case *v:
		*o = OutcomeVerified
	default:
		*o = OutcomeRejected
	}
	return nil
}

// Side selects the origin or destination half of a session.
type Side int

const (
	Origin Side = iota
	Destination
)

func (s Side) String() string {
	if s == Origin {
		return "origin"
	}
	return "destination"
}

// Session is the in-memory state of one payment attempt.
type Session struct {
	ID              string
	MerchantID      string
	MerchantName    string
	PayerUserID     string
	PayerCountry    bank.Country
	MerchantCountry bank.Country
	Direction       bank.Direction
	OriginBank      bank.InstitutionID
	DestinationBank bank.InstitutionID

	OriginCiphertext      string
	DestinationCiphertext string

	OriginVerified        Outcome
	DestinationVerified   Outcome
	OriginProcessing      bool
	DestinationProcessing bool

	// Amount is in payer-currency minor units; zero until settlement begins.
	Amount          int64
	ConvertedAmount int64
	Status          Status

	InitiationTx  string
	SettlementTx  string
	LedgerSettled bool
	FailureReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// SideOf maps an institution to its side in this session.
func (s *Session) SideOf(id bank.InstitutionID) (Side, error) {
	switch id {
	case s.OriginBank:
		return Origin, nil
	case s.DestinationBank:
		return Destination, nil
	default:
		return 0, ErrNotParticipant
	}
}

// Verified returns the recorded outcome for a side.
func (s *Session) Verified(side Side) Outcome {
	if side == Origin {
		return s.OriginVerified
	}
	return s.DestinationVerified
}

// SetVerified records the outcome for a side.
func (s *Session) SetVerified(side Side, o Outcome) {
	if side == Origin {
		s.OriginVerified = o
	} else {
		s.DestinationVerified = o
	}
}

// Processing reports whether a confirmation for side is in flight.
func (s *Session) Processing(side Side) bool {
	if side == Origin {
		return s.OriginProcessing
	}
	return s.DestinationProcessing
}

// SetProcessing sets the in-flight flag for side.
func (s *Session) SetProcessing(side Side, v bool) {
	if side == Origin {
		s.OriginProcessing = v
	} else {
		s.DestinationProcessing = v
	}
}

// Ciphertext returns the payload copy addressed to side.
func (s *Session) Ciphertext(side Side) string {
	if side == Origin {
		return s.OriginCiphertext
	}
	return s.DestinationCiphertext
}

// BothVerified reports whether both institutions confirmed true.
func (s *Session) BothVerified() bool {
	return s.OriginVerified == OutcomeVerified && s.DestinationVerified == OutcomeVerified
}

// Advance moves the session to next, rejecting edges outside the table.
func (s *Session) Advance(next Status) error {
	if s.Status == next {
		return nil
	}
	if !CanTransition(s.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

// Fail moves a non-terminal session to failed with a reason.
func (s *Session) Fail(reason string) error {
	if err := s.Advance(StatusFailed); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// RecomputeVerification derives the verification status from the two outcomes.
// It only moves sessions that are still in a verification state.
func (s *Session) RecomputeVerification() error {
	if s.Status != StatusPendingVerification && s.Status != StatusPartialVerification {
		return nil
	}
	var next Status
	switch {
	case s.BothVerified():
		next = StatusVerified
	case s.OriginVerified == OutcomeRejected || s.DestinationVerified == OutcomeRejected:
		next = StatusVerificationFailed
	case s.OriginVerified.Known() || s.DestinationVerified.Known():
		next = StatusPartialVerification
	default:
		next = StatusPendingVerification
	}
	return s.Advance(next)
}

// InFlight reports whether work is outstanding on the session.
func (s *Session) InFlight() bool {
	return s.OriginProcessing || s.DestinationProcessing ||
		s.Status == StatusPaymentProcessing || s.Status == StatusPaymentInitiated
}
