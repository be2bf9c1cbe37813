package ledger

import (
	"errors"
	"math/big"
	"sort"
	"sync"

	"lendvault/core/events"
	"lendvault/core/types"
	"lendvault/native/common"
	"lendvault/native/fpmath"
	"lendvault/native/risk"
	"lendvault/native/valuation"
)

var (
	errNilState      = errors.New("ledger engine: state not configured")
	errNilValuer     = errors.New("ledger engine: valuation service not configured")
	errInvalidAmount = errors.New("ledger engine: amount must be positive")
	errInvalidUser   = errors.New("ledger engine: user address required")
	errInvalidAsset  = errors.New("ledger engine: asset symbol required")

	// ErrOverpay rejects a repayment above the outstanding debt. It signals a
	// caller-side accounting bug and is never clamped.
	ErrOverpay = errors.New("ledger engine: repay exceeds outstanding debt")
	// ErrInsufficientCollateral rejects a withdrawal above the pledged
	// collateral.
	ErrInsufficientCollateral = errors.New("ledger engine: insufficient collateral")
	// ErrHealthCheckFailed rejects a collateral withdrawal that would leave
	// the position under-collateralized.
	ErrHealthCheckFailed = errors.New("ledger engine: position health below threshold")
	// ErrDebtValueUnavailable is returned when a debt asset cannot be valued
	// at all; the protective direction is to block the operation, never to
	// assume the debt is worthless.
	ErrDebtValueUnavailable = errors.New("ledger engine: debt value unavailable")
	// ErrAggregateUnderflow indicates the per-asset aggregate would go
	// negative, which means the exact-sum invariant was already broken.
	ErrAggregateUnderflow = errors.New("ledger engine: total debt aggregate underflow")
)

const moduleName = "ledger"

type engineState interface {
	GetPosition(user types.Address, asset string) (*Position, error)
	PutPosition(*Position) error
	GetTotalDebt(asset string) (*big.Int, error)
	PutTotalDebt(asset string, total *big.Int) error
	DebtAssets(user types.Address) ([]string, error)
	PutDebtAssets(user types.Address, assets []string) error
}

// Valuer is the slice of the valuation service the ledger depends on.
type Valuer interface {
	GetValue(asset string, amount *big.Int, op string) (valuation.Valuation, error)
}

// Engine owns the collateral and debt accounting. Each exported operation is
// atomic from the caller's point of view: a precondition failure mutates
// nothing.
type Engine struct {
	state        engineState
	valuer       Valuer
	emitter      events.Emitter
	pauses       common.PauseView
	minHealthBps uint64

	// cacheMu guards the debt value cache. Reads arrive concurrently from the
	// gateway while debt mutations invalidate entries; the lock is held across
	// the recompute so a mutation racing the fill cannot leave a stale value
	// behind.
	cacheMu           sync.Mutex
	debtValueCache    map[types.Address]*big.Int
	debtValueCacheSet map[types.Address]bool
}

// NewEngine constructs a ledger engine with the supplied minimum health
// factor (basis points) used to gate collateral withdrawals.
func NewEngine(minHealthBps uint64) *Engine {
	return &Engine{
		emitter:           events.NoopEmitter{},
		minHealthBps:      minHealthBps,
		debtValueCache:    make(map[types.Address]*big.Int),
		debtValueCacheSet: make(map[types.Address]bool),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetValuer wires the valuation service used for health gating and debt
// valuation.
func (e *Engine) SetValuer(v Valuer) { e.valuer = v }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
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
func (e *Engine) SetPauses(p common.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) validateIdentity(user types.Address, asset string) (string, error) {
	if user.IsZero() {
		return "", errInvalidUser
	}
	symbol := types.NormalizeAsset(asset)
	if symbol == "" {
		return "", errInvalidAsset
	}
	return symbol, nil
}

func (e *Engine) validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	return fpmath.CheckRange(amount)
}

// DepositCollateral pledges collateral for the (user, asset) position,
// creating it when absent.
func (e *Engine) DepositCollateral(user types.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	symbol, err := e.validateIdentity(user, asset)
	if err != nil {
		return err
	}
	if err := e.validateAmount(amount); err != nil {
		return err
	}
	pos, err := e.ensurePosition(user, symbol)
	if err != nil {
		return err
	}
	updated, err := fpmath.CheckedAdd(pos.Collateral, amount)
	if err != nil {
		return err
	}
	pos.Collateral = updated
	return e.state.PutPosition(pos)
}

// WithdrawCollateral releases collateral back to the user while ensuring the
// resulting position remains healthy. A degraded (conservative) valuation
// still gates the withdrawal; only a completely unavailable debt valuation
// blocks it outright.
func (e *Engine) WithdrawCollateral(user types.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	symbol, err := e.validateIdentity(user, asset)
	if err != nil {
		return err
	}
	if err := e.validateAmount(amount); err != nil {
		return err
	}
	if e.valuer == nil {
		return errNilValuer
	}
	pos, err := e.ensurePosition(user, symbol)
	if err != nil {
		return err
	}
	if pos.Collateral.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	remaining := new(big.Int).Sub(pos.Collateral, amount)

	debtValue, err := e.computeTotalDebtValue(user)
	if err != nil {
		return err
	}
	if debtValue.Sign() > 0 {
		collateralVal, err := e.valuer.GetValue(symbol, remaining, "ledger.withdraw_collateral")
		if err != nil {
			return err
		}
		if !collateralVal.IsValid {
			// Fail closed: an unvalued collateral remainder cannot prove the
			// position stays healthy.
			return ErrHealthCheckFailed
		}
		if risk.IsUnderCollateralized(collateralVal.Value, debtValue, e.minHealthBps) {
			return ErrHealthCheckFailed
		}
	}

	pos.Collateral = remaining
	return e.state.PutPosition(pos)
}

// RecordBorrow increases the user's debt and the per-asset aggregate.
func (e *Engine) RecordBorrow(user types.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	symbol, err := e.validateIdentity(user, asset)
	if err != nil {
		return err
	}
	if err := e.validateAmount(amount); err != nil {
		return err
	}
	pos, err := e.ensurePosition(user, symbol)
	if err != nil {
		return err
	}
	hadDebt := pos.Debt.Sign() > 0

	newDebt, err := fpmath.CheckedAdd(pos.Debt, amount)
	if err != nil {
		return err
	}
	total, err := e.totalDebt(symbol)
	if err != nil {
		return err
	}
	newTotal, err := fpmath.CheckedAdd(total, amount)
	if err != nil {
		return err
	}

	pos.Debt = newDebt
	if err := e.state.PutPosition(pos); err != nil {
		return err
	}
	if err := e.state.PutTotalDebt(symbol, newTotal); err != nil {
		return err
	}
	if !hadDebt {
		if err := e.indexInsert(user, symbol); err != nil {
			return err
		}
	}
	e.invalidateDebtValue(user)
	e.emit(DebtRecordedEvent{User: user, Asset: symbol, Op: "borrow", Amount: amount, NewDebt: newDebt, TotalDebt: newTotal})
	return nil
}

// RecordRepay decreases the user's debt. Amounts above the outstanding debt
// are rejected with ErrOverpay; the caller must fix its accounting.
func (e *Engine) RecordRepay(user types.Address, asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	symbol, err := e.validateIdentity(user, asset)
	if err != nil {
		return err
	}
	if err := e.validateAmount(amount); err != nil {
		return err
	}
	pos, err := e.ensurePosition(user, symbol)
	if err != nil {
		return err
	}
	if pos.Debt.Cmp(amount) < 0 {
		return ErrOverpay
	}
	if _, err := e.applyDebtReduction(pos, symbol, amount); err != nil {
		return err
	}
	e.emit(DebtRecordedEvent{User: user, Asset: symbol, Op: "repay", Amount: amount, NewDebt: pos.Debt, TotalDebt: nil})
	return nil
}

// RecordForceReduceDebt is the liquidation-path reduction. Unlike RecordRepay
// it clamps: liquidation inputs are computed from estimated collateral value
// and may overshoot the actual debt. The effective reduction is returned.
func (e *Engine) RecordForceReduceDebt(user types.Address, asset string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	symbol, err := e.validateIdentity(user, asset)
	if err != nil {
		return nil, err
	}
	if err := e.validateAmount(amount); err != nil {
		return nil, err
	}
	pos, err := e.ensurePosition(user, symbol)
	if err != nil {
		return nil, err
	}
	reduce := new(big.Int).Set(amount)
	if reduce.Cmp(pos.Debt) > 0 {
		reduce = new(big.Int).Set(pos.Debt)
	}
	if reduce.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if _, err := e.applyDebtReduction(pos, symbol, reduce); err != nil {
		return nil, err
	}
	e.emit(DebtRecordedEvent{User: user, Asset: symbol, Op: "force_reduce", Amount: reduce, NewDebt: pos.Debt, TotalDebt: nil})
	return reduce, nil
}

// applyDebtReduction persists a debt decrease plus aggregate and index
// maintenance. The position must already carry at least the reduction.
func (e *Engine) applyDebtReduction(pos *Position, symbol string, amount *big.Int) (*big.Int, error) {
	total, err := e.totalDebt(symbol)
	if err != nil {
		return nil, err
	}
	newTotal, err := fpmath.CheckedSub(total, amount)
	if err != nil {
		return nil, ErrAggregateUnderflow
	}
	newDebt := new(big.Int).Sub(pos.Debt, amount)

	pos.Debt = newDebt
	if err := e.state.PutPosition(pos); err != nil {
		return nil, err
	}
	if err := e.state.PutTotalDebt(symbol, newTotal); err != nil {
		return nil, err
	}
	if newDebt.Sign() == 0 {
		if err := e.indexRemove(pos.User, symbol); err != nil {
			return nil, err
		}
	}
	e.invalidateDebtValue(pos.User)
	return newTotal, nil
}

// GetPosition returns a defensive copy of the (user, asset) position. Absent
// positions come back zero-filled.
func (e *Engine) GetPosition(user types.Address, asset string) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	symbol, err := e.validateIdentity(user, asset)
	if err != nil {
		return nil, err
	}
	pos, err := e.state.GetPosition(user, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return &Position{User: user, Asset: symbol, Collateral: big.NewInt(0), Debt: big.NewInt(0)}, nil
	}
	return pos.Clone(), nil
}

// TotalDebt returns the aggregate outstanding debt for an asset.
func (e *Engine) TotalDebt(asset string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	symbol := types.NormalizeAsset(asset)
	if symbol == "" {
		return nil, errInvalidAsset
	}
	return e.totalDebt(symbol)
}

// DebtAssets lists the assets for which the user currently carries debt.
func (e *Engine) DebtAssets(user types.Address) ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if user.IsZero() {
		return nil, errInvalidUser
	}
	assets, err := e.state.DebtAssets(user)
	if err != nil {
		return nil, err
	}
	return append([]string{}, assets...), nil
}

// TotalDebtValue prices the user's entire debt portfolio through the
// valuation service. The result is cached until the next debt mutation.
func (e *Engine) TotalDebtValue(user types.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if user.IsZero() {
		return nil, errInvalidUser
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.debtValueCacheSet[user] {
		return new(big.Int).Set(e.debtValueCache[user]), nil
	}
	value, err := e.computeTotalDebtValue(user)
	if err != nil {
		return nil, err
	}
	e.debtValueCache[user] = new(big.Int).Set(value)
	e.debtValueCacheSet[user] = true
	return value, nil
}

func (e *Engine) computeTotalDebtValue(user types.Address) (*big.Int, error) {
	if e.valuer == nil {
		return nil, errNilValuer
	}
	assets, err := e.state.DebtAssets(user)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, symbol := range assets {
		pos, err := e.state.GetPosition(user, symbol)
		if err != nil {
			return nil, err
		}
		if pos == nil || pos.Debt == nil || pos.Debt.Sign() == 0 {
			continue
		}
		val, err := e.valuer.GetValue(symbol, pos.Debt, "ledger.total_debt_value")
		if err != nil {
			return nil, err
		}
		if !val.IsValid {
			return nil, ErrDebtValueUnavailable
		}
		total, err = fpmath.CheckedAdd(total, val.Value)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

func (e *Engine) ensurePosition(user types.Address, symbol string) (*Position, error) {
	pos, err := e.state.GetPosition(user, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{User: user, Asset: symbol}
	}
	pos.ensureDefaults()
	return pos, nil
}

func (e *Engine) totalDebt(symbol string) (*big.Int, error) {
	total, err := e.state.GetTotalDebt(symbol)
	if err != nil {
		return nil, err
	}
	if total == nil {
		return big.NewInt(0), nil
	}
	return total, nil
}

func (e *Engine) indexInsert(user types.Address, symbol string) error {
	assets, err := e.state.DebtAssets(user)
	if err != nil {
		return err
	}
	for _, existing := range assets {
		if existing == symbol {
			return nil
		}
	}
	assets = append(assets, symbol)
	sort.Strings(assets)
	return e.state.PutDebtAssets(user, assets)
}

func (e *Engine) indexRemove(user types.Address, symbol string) error {
	assets, err := e.state.DebtAssets(user)
	if err != nil {
		return err
	}
	filtered := assets[:0]
	for _, existing := range assets {
		if existing == symbol {
			continue
		}
		filtered = append(filtered, existing)
	}
	return e.state.PutDebtAssets(user, filtered)
}

func (e *Engine) invalidateDebtValue(user types.Address) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	delete(e.debtValueCache, user)
	delete(e.debtValueCacheSet, user)
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}
