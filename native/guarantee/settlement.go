package guarantee

import (
	"errors"
	"math/big"
	"time"

	"lendvault/core/events"
	"lendvault/core/types"
	"lendvault/native/common"
	"lendvault/native/fpmath"
)

var (
	errNilSettlementDeps = errors.New("settlement engine: dependencies not configured")
	errNilRepayAmount    = errors.New("settlement engine: repay amount required")

	// ErrBeforeStart rejects a settlement timestamp that predates the lock;
	// it signals a misconfigured upstream clock, not a borrower mistake.
	ErrBeforeStart = errors.New("settlement engine: settlement time precedes guarantee start")
	// ErrNotEarly rejects an early-repayment call at or past maturity.
	ErrNotEarly = errors.New("settlement engine: guarantee already matured")
	// ErrNotMatured rejects a matured-repayment call before maturity.
	ErrNotMatured = errors.New("settlement engine: guarantee not yet matured")
	// ErrNotDefaulted rejects a default call at or before maturity.
	ErrNotDefaulted = errors.New("settlement engine: guarantee not past maturity")
	// ErrInsufficientRepayment rejects a repay amount below the required
	// settlement total.
	ErrInsufficientRepayment = errors.New("settlement engine: repay amount below required total")
	// ErrInsufficientFunds rejects a matured repayment the borrower cannot
	// cover.
	ErrInsufficientFunds = errors.New("settlement engine: borrower balance below required total")
)

const settlementModule = "settlement"

// Transferrer moves funds between accounts. Settlement calls it only after
// every state effect has been persisted.
type Transferrer interface {
	Transfer(asset string, from, to types.Address, amount *big.Int) error
	Balance(asset string, addr types.Address) (*big.Int, error)
}

// LedgerWriter is the slice of the ledger engine the settlement flows need.
type LedgerWriter interface {
	RecordBorrow(user types.Address, asset string, amount *big.Int) error
	RecordForceReduceDebt(user types.Address, asset string, amount *big.Int) (*big.Int, error)
}

// SettlementParams carries the governance-set rates and vault addresses.
type SettlementParams struct {
	PenaltyRateBps uint64
	PlatformFeeBps uint64
	GuaranteeVault types.Address
	PlatformVault  types.Address
}

// Settlement summarises the amounts that closed a guarantee.
type Settlement struct {
	Outcome     Status
	Principal   *big.Int
	Interest    *big.Int
	Penalty     *big.Int
	PlatformFee *big.Int
	TotalPaid   *big.Int
}

// SettlementEngine drives the three terminal transitions of a guarantee. Every
// flow follows the same discipline: validate, persist all state effects, then
// move funds. A re-entrant call observes the terminal status and fails.
type SettlementEngine struct {
	store    *Store
	ledger   LedgerWriter
	transfer Transferrer
	emitter  events.Emitter
	pauses   common.PauseView
	nowFn    func() int64
	params   SettlementParams
}

// NewSettlementEngine constructs a settlement engine over the guarantee store.
func NewSettlementEngine(store *Store, params SettlementParams) *SettlementEngine {
	return &SettlementEngine{
		store:   store,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		params:  params,
	}
}

// SetLedger wires the debt accounting engine.
func (e *SettlementEngine) SetLedger(l LedgerWriter) { e.ledger = l }

// SetTransferrer wires the fund movement layer.
func (e *SettlementEngine) SetTransferrer(t Transferrer) { e.transfer = t }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *SettlementEngine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the governance pause view.
func (e *SettlementEngine) SetPauses(p common.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *SettlementEngine) SetNowFunc(now func() int64) {
	if e == nil || now == nil {
		return
	}
	e.nowFn = now
}

// LockGuarantee creates the guarantee, records the borrower's debt, then
// disburses the principal from lender to borrower.
func (e *SettlementEngine) LockGuarantee(borrower, lender types.Address, asset string, principal, promisedInterest *big.Int, termDays uint64) (*Record, error) {
	if e == nil || e.store == nil || e.ledger == nil || e.transfer == nil {
		return nil, errNilSettlementDeps
	}
	if err := common.Guard(e.pauses, settlementModule); err != nil {
		return nil, err
	}
	record, err := e.store.Lock(borrower, lender, asset, principal, promisedInterest, termDays)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.RecordBorrow(record.Borrower, record.Asset, record.Principal); err != nil {
		return nil, err
	}
	if err := e.transfer.Transfer(record.Asset, record.Lender, record.Borrower, record.Principal); err != nil {
		return nil, err
	}
	return record, nil
}

// ProcessEarlyRepayment settles a guarantee before maturity. The borrower owes
// the principal, interest pro-rated to elapsed days, and a penalty computed on
// the interest shortfall; a slice of the penalty is diverted to the platform
// vault as a fee.
func (e *SettlementEngine) ProcessEarlyRepayment(id uint64, repayAmount *big.Int) (*Settlement, error) {
	if e == nil || e.store == nil || e.ledger == nil || e.transfer == nil {
		return nil, errNilSettlementDeps
	}
	if err := common.Guard(e.pauses, settlementModule); err != nil {
		return nil, err
	}
	if repayAmount == nil {
		return nil, errNilRepayAmount
	}
	if err := fpmath.CheckRange(repayAmount); err != nil {
		return nil, err
	}
	record, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !record.Active() {
		return nil, ErrNotActive
	}
	now := e.now()
	if now < record.StartTime {
		return nil, ErrBeforeStart
	}
	if now >= record.MaturityTime {
		return nil, ErrNotEarly
	}

	interest, penalty, fee, err := e.earlyBreakdown(record, now)
	if err != nil {
		return nil, err
	}
	required, err := sumAmounts(record.Principal, interest, penalty, fee)
	if err != nil {
		return nil, err
	}
	if repayAmount.Cmp(required) < 0 {
		return nil, ErrInsufficientRepayment
	}

	// Effects before interactions: the record goes terminal and the debt is
	// cleared before any funds move.
	if err := e.store.MarkTerminal(id, StatusEarlyRepaid); err != nil {
		return nil, err
	}
	if _, err := e.ledger.RecordForceReduceDebt(record.Borrower, record.Asset, record.Principal); err != nil {
		return nil, err
	}

	lenderShare, err := sumAmounts(record.Principal, interest, penalty)
	if err != nil {
		return nil, err
	}
	if err := e.transfer.Transfer(record.Asset, record.Borrower, record.Lender, lenderShare); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := e.transfer.Transfer(record.Asset, record.Borrower, e.params.PlatformVault, fee); err != nil {
			return nil, err
		}
	}

	settlement := &Settlement{
		Outcome:     StatusEarlyRepaid,
		Principal:   new(big.Int).Set(record.Principal),
		Interest:    interest,
		Penalty:     penalty,
		PlatformFee: fee,
		TotalPaid:   required,
	}
	e.emitTerminated(record, settlement)
	return settlement, nil
}

// ProcessMaturedRepayment settles a guarantee at or after maturity with the
// full promised interest. The borrower's balance is checked up front so a
// short account fails before any state effect.
func (e *SettlementEngine) ProcessMaturedRepayment(id uint64) (*Settlement, error) {
	if e == nil || e.store == nil || e.ledger == nil || e.transfer == nil {
		return nil, errNilSettlementDeps
	}
	if err := common.Guard(e.pauses, settlementModule); err != nil {
		return nil, err
	}
	record, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !record.Active() {
		return nil, ErrNotActive
	}
	if e.now() < record.MaturityTime {
		return nil, ErrNotMatured
	}

	required, err := fpmath.CheckedAdd(record.Principal, record.PromisedInterest)
	if err != nil {
		return nil, err
	}
	balance, err := e.transfer.Balance(record.Asset, record.Borrower)
	if err != nil {
		return nil, err
	}
	if balance == nil || balance.Cmp(required) < 0 {
		return nil, ErrInsufficientFunds
	}

	if err := e.store.MarkTerminal(id, StatusMaturedRepaid); err != nil {
		return nil, err
	}
	if _, err := e.ledger.RecordForceReduceDebt(record.Borrower, record.Asset, record.Principal); err != nil {
		return nil, err
	}
	if err := e.transfer.Transfer(record.Asset, record.Borrower, record.Lender, required); err != nil {
		return nil, err
	}

	settlement := &Settlement{
		Outcome:     StatusMaturedRepaid,
		Principal:   new(big.Int).Set(record.Principal),
		Interest:    new(big.Int).Set(record.PromisedInterest),
		Penalty:     big.NewInt(0),
		PlatformFee: big.NewInt(0),
		TotalPaid:   required,
	}
	e.emitTerminated(record, settlement)
	return settlement, nil
}

// ProcessDefault compensates the lender from the guarantee vault once the
// maturity deadline has strictly passed. Compensation covers principal plus
// promised interest, clamped to whatever the vault actually holds.
func (e *SettlementEngine) ProcessDefault(id uint64) (*Settlement, error) {
	if e == nil || e.store == nil || e.ledger == nil || e.transfer == nil {
		return nil, errNilSettlementDeps
	}
	if err := common.Guard(e.pauses, settlementModule); err != nil {
		return nil, err
	}
	record, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !record.Active() {
		return nil, ErrNotActive
	}
	if e.now() <= record.MaturityTime {
		return nil, ErrNotDefaulted
	}

	owed, err := fpmath.CheckedAdd(record.Principal, record.PromisedInterest)
	if err != nil {
		return nil, err
	}
	vaultBalance, err := e.transfer.Balance(record.Asset, e.params.GuaranteeVault)
	if err != nil {
		return nil, err
	}
	compensation := owed
	if vaultBalance == nil {
		compensation = big.NewInt(0)
	} else if vaultBalance.Cmp(owed) < 0 {
		compensation = new(big.Int).Set(vaultBalance)
	}

	if err := e.store.MarkTerminal(id, StatusDefaulted); err != nil {
		return nil, err
	}
	if _, err := e.ledger.RecordForceReduceDebt(record.Borrower, record.Asset, record.Principal); err != nil {
		return nil, err
	}
	if compensation.Sign() > 0 {
		if err := e.transfer.Transfer(record.Asset, e.params.GuaranteeVault, record.Lender, compensation); err != nil {
			return nil, err
		}
	}

	settlement := &Settlement{
		Outcome:     StatusDefaulted,
		Principal:   new(big.Int).Set(record.Principal),
		Interest:    new(big.Int).Set(record.PromisedInterest),
		Penalty:     big.NewInt(0),
		PlatformFee: big.NewInt(0),
		TotalPaid:   compensation,
	}
	e.emitTerminated(record, settlement)
	return settlement, nil
}

// earlyBreakdown computes the pro-rated interest, the penalty on the interest
// shortfall, and the platform fee carved out of the penalty. Elapsed time is
// counted in whole days with a one-day minimum so same-day repayment still
// accrues a day of interest.
func (e *SettlementEngine) earlyBreakdown(record *Record, now int64) (interest, penalty, fee *big.Int, err error) {
	totalDays := (record.MaturityTime - record.StartTime) / secondsPerDay
	if totalDays < 1 {
		totalDays = 1
	}
	actualDays := (now - record.StartTime) / secondsPerDay
	if actualDays < 1 {
		actualDays = 1
	}
	if actualDays > totalDays {
		actualDays = totalDays
	}

	interest, err = fpmath.ProRata(record.PromisedInterest, big.NewInt(actualDays), big.NewInt(totalDays))
	if err != nil {
		return nil, nil, nil, err
	}
	shortfall, err := fpmath.CheckedSub(record.PromisedInterest, interest)
	if err != nil {
		return nil, nil, nil, err
	}
	if record.EarlyRepayPenaltyDays > 0 {
		windowDays := int64(record.EarlyRepayPenaltyDays)
		if windowDays > totalDays {
			windowDays = totalDays
		}
		window, capErr := fpmath.ProRata(record.PromisedInterest, big.NewInt(windowDays), big.NewInt(totalDays))
		if capErr != nil {
			return nil, nil, nil, capErr
		}
		if shortfall.Cmp(window) > 0 {
			shortfall = window
		}
	}
	total, err := fpmath.ApplyBps(shortfall, e.params.PenaltyRateBps)
	if err != nil {
		return nil, nil, nil, err
	}
	fee, err = fpmath.ApplyBps(total, e.params.PlatformFeeBps)
	if err != nil {
		return nil, nil, nil, err
	}
	penalty = new(big.Int).Sub(total, fee)
	return interest, penalty, fee, nil
}

func sumAmounts(values ...*big.Int) (*big.Int, error) {
	total := big.NewInt(0)
	for _, v := range values {
		var err error
		total, err = fpmath.CheckedAdd(total, v)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

func (e *SettlementEngine) emitTerminated(record *Record, s *Settlement) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(TerminatedEvent{
		ID:          record.ID,
		Borrower:    record.Borrower,
		Lender:      record.Lender,
		Asset:       record.Asset,
		Outcome:     s.Outcome,
		Principal:   s.Principal,
		Interest:    s.Interest,
		Penalty:     s.Penalty,
		PlatformFee: s.PlatformFee,
	})
}

func (e *SettlementEngine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}
