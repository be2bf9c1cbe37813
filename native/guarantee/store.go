package guarantee

import (
	"errors"
	"math"
	"math/big"
	"time"

	"lendvault/core/events"
	"lendvault/core/types"
	"lendvault/native/common"
	"lendvault/native/fpmath"
)

var (
	errNilStoreState    = errors.New("guarantee store: state not configured")
	errInvalidBorrower  = errors.New("guarantee store: borrower address required")
	errInvalidLender    = errors.New("guarantee store: lender address required")
	errInvalidAsset     = errors.New("guarantee store: asset symbol required")
	errInvalidPrincipal = errors.New("guarantee store: principal must be positive")

	// ErrSelfGuarantee rejects a guarantee where borrower and lender match.
	ErrSelfGuarantee = errors.New("guarantee store: borrower cannot be lender")
	// ErrTermOutOfRange rejects terms outside (0, 3650] days.
	ErrTermOutOfRange = errors.New("guarantee store: term days out of range")
	// ErrInterestTooHigh rejects promised interest above twice the principal.
	ErrInterestTooHigh = errors.New("guarantee store: promised interest exceeds twice the principal")
	// ErrCounterSaturated rejects creation once the id counter is exhausted.
	ErrCounterSaturated = errors.New("guarantee store: id counter saturated")
	// ErrActiveExists rejects a second active guarantee for the same
	// (borrower, asset) pair.
	ErrActiveExists = errors.New("guarantee store: active guarantee already exists for borrower and asset")
	// ErrRecordNotFound indicates an unknown guarantee id or pair.
	ErrRecordNotFound = errors.New("guarantee store: record not found")
	// ErrNotActive rejects a second terminal transition on the same record.
	ErrNotActive = errors.New("guarantee store: record not active")
	// ErrInvalidOutcome rejects a terminal mark with a non-terminal status.
	ErrInvalidOutcome = errors.New("guarantee store: outcome must be terminal")
)

const (
	moduleName    = "guarantee"
	maxTermDays   = 3650
	secondsPerDay = 86_400
)

type storeState interface {
	GuaranteeCounter() (uint64, error)
	PutGuaranteeCounter(value uint64) error
	GetGuarantee(id uint64) (*Record, error)
	PutGuarantee(record *Record) error
	ActiveGuarantee(borrower types.Address, asset string) (uint64, bool, error)
	PutActiveGuarantee(borrower types.Address, asset string, id uint64) error
	RemoveActiveGuarantee(borrower types.Address, asset string) error
}

// Store owns guarantee records and their active index. Records are only ever
// mutated through Lock and MarkTerminal; the settlement engine is the sole
// caller of MarkTerminal.
type Store struct {
	state                 storeState
	emitter               events.Emitter
	pauses                common.PauseView
	nowFn                 func() int64
	earlyRepayPenaltyDays uint64
}

// NewStore constructs an empty guarantee store.
func NewStore() *Store {
	return &Store{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the store to the external persistence layer.
func (s *Store) SetState(state storeState) { s.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (s *Store) SetEmitter(emitter events.Emitter) {
	if s == nil {
		return
	}
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// SetPauses wires the governance pause view.
func (s *Store) SetPauses(p common.PauseView) {
	if s == nil {
		return
	}
	s.pauses = p
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (s *Store) SetNowFunc(now func() int64) {
	if s == nil || now == nil {
		return
	}
	s.nowFn = now
}

// SetEarlyRepayPenaltyDays configures the governance penalty window recorded
// on newly locked guarantees.
func (s *Store) SetEarlyRepayPenaltyDays(days uint64) {
	if s == nil {
		return
	}
	s.earlyRepayPenaltyDays = days
}

// Lock validates and persists a new guarantee record in the Locked state,
// assigning the next id. The borrower may carry at most one active guarantee
// per asset.
func (s *Store) Lock(borrower, lender types.Address, asset string, principal, promisedInterest *big.Int, termDays uint64) (*Record, error) {
	if s == nil || s.state == nil {
		return nil, errNilStoreState
	}
	if err := common.Guard(s.pauses, moduleName); err != nil {
		return nil, err
	}
	if borrower.IsZero() {
		return nil, errInvalidBorrower
	}
	if lender.IsZero() {
		return nil, errInvalidLender
	}
	if borrower == lender {
		return nil, ErrSelfGuarantee
	}
	symbol := types.NormalizeAsset(asset)
	if symbol == "" {
		return nil, errInvalidAsset
	}
	if principal == nil || principal.Sign() <= 0 {
		return nil, errInvalidPrincipal
	}
	if err := fpmath.CheckRange(principal); err != nil {
		return nil, err
	}
	if promisedInterest == nil {
		promisedInterest = big.NewInt(0)
	}
	if err := fpmath.CheckRange(promisedInterest); err != nil {
		return nil, err
	}
	interestCap := new(big.Int).Lsh(principal, 1)
	if promisedInterest.Cmp(interestCap) > 0 {
		return nil, ErrInterestTooHigh
	}
	if termDays == 0 || termDays > maxTermDays {
		return nil, ErrTermOutOfRange
	}
	if _, exists, err := s.state.ActiveGuarantee(borrower, symbol); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrActiveExists
	}

	counter, err := s.state.GuaranteeCounter()
	if err != nil {
		return nil, err
	}
	if counter == math.MaxUint64 {
		return nil, ErrCounterSaturated
	}
	id := counter + 1
	now := s.now()

	record := &Record{
		ID:                    id,
		Borrower:              borrower,
		Lender:                lender,
		Asset:                 symbol,
		Principal:             new(big.Int).Set(principal),
		PromisedInterest:      new(big.Int).Set(promisedInterest),
		StartTime:             now,
		MaturityTime:          now + int64(termDays)*secondsPerDay,
		EarlyRepayPenaltyDays: s.earlyRepayPenaltyDays,
		Status:                StatusLocked,
	}
	if err := s.state.PutGuarantee(record); err != nil {
		return nil, err
	}
	if err := s.state.PutActiveGuarantee(borrower, symbol, id); err != nil {
		return nil, err
	}
	if err := s.state.PutGuaranteeCounter(id); err != nil {
		return nil, err
	}
	s.emit(LockedEvent{Record: record.Clone()})
	return record.Clone(), nil
}

// MarkTerminal moves a Locked record to the supplied terminal status and
// drops its active index entry. Exactly one terminal transition is permitted
// per record.
func (s *Store) MarkTerminal(id uint64, outcome Status) error {
	if s == nil || s.state == nil {
		return errNilStoreState
	}
	if !outcome.Terminal() {
		return ErrInvalidOutcome
	}
	record, err := s.state.GetGuarantee(id)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrRecordNotFound
	}
	if !record.Active() {
		return ErrNotActive
	}
	record.Status = outcome
	if err := s.state.PutGuarantee(record); err != nil {
		return err
	}
	return s.state.RemoveActiveGuarantee(record.Borrower, record.Asset)
}

// Get returns a defensive copy of the record with the supplied id.
func (s *Store) Get(id uint64) (*Record, error) {
	if s == nil || s.state == nil {
		return nil, errNilStoreState
	}
	record, err := s.state.GetGuarantee(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

// ActiveByBorrower resolves the borrower's active guarantee for an asset.
func (s *Store) ActiveByBorrower(borrower types.Address, asset string) (*Record, error) {
	if s == nil || s.state == nil {
		return nil, errNilStoreState
	}
	symbol := types.NormalizeAsset(asset)
	if borrower.IsZero() || symbol == "" {
		return nil, ErrRecordNotFound
	}
	id, exists, err := s.state.ActiveGuarantee(borrower, symbol)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrRecordNotFound
	}
	return s.Get(id)
}

func (s *Store) now() int64 {
	if s == nil || s.nowFn == nil {
		return time.Now().Unix()
	}
	return s.nowFn()
}

func (s *Store) emit(evt events.Event) {
	if s == nil || s.emitter == nil {
		return
	}
	s.emitter.Emit(evt)
}
