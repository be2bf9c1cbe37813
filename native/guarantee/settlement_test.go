package guarantee

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"lendvault/core/types"
)

type recordingLedger struct {
	borrows []string
	reduces []string
}

func (l *recordingLedger) RecordBorrow(user types.Address, asset string, amount *big.Int) error {
	l.borrows = append(l.borrows, fmt.Sprintf("%s/%s/%s", user, asset, amount))
	return nil
}

func (l *recordingLedger) RecordForceReduceDebt(user types.Address, asset string, amount *big.Int) (*big.Int, error) {
	l.reduces = append(l.reduces, fmt.Sprintf("%s/%s/%s", user, asset, amount))
	return new(big.Int).Set(amount), nil
}

type memBank struct {
	balances  map[string]*big.Int
	transfers []string
}

func newMemBank() *memBank {
	return &memBank{balances: make(map[string]*big.Int)}
}

func (b *memBank) key(asset string, a types.Address) string { return asset + "/" + a.String() }

func (b *memBank) fund(asset string, a types.Address, amount int64) {
	b.balances[b.key(asset, a)] = big.NewInt(amount)
}

func (b *memBank) Transfer(asset string, from, to types.Address, amount *big.Int) error {
	fromBal := b.balanceOf(asset, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("bank: insufficient balance for %s", from)
	}
	b.balances[b.key(asset, from)] = new(big.Int).Sub(fromBal, amount)
	b.balances[b.key(asset, to)] = new(big.Int).Add(b.balanceOf(asset, to), amount)
	b.transfers = append(b.transfers, fmt.Sprintf("%s->%s:%s", from, to, amount))
	return nil
}

func (b *memBank) Balance(asset string, a types.Address) (*big.Int, error) {
	return new(big.Int).Set(b.balanceOf(asset, a)), nil
}

func (b *memBank) balanceOf(asset string, a types.Address) *big.Int {
	bal, ok := b.balances[b.key(asset, a)]
	if !ok {
		return big.NewInt(0)
	}
	return bal
}

const dayStart = int64(1_000_000)

func newTestEngine(t *testing.T, params SettlementParams) (*SettlementEngine, *Store, *recordingLedger, *memBank, *int64) {
	t.Helper()
	now := dayStart
	store, _ := newTestStore(dayStart)
	store.SetNowFunc(func() int64 { return now })
	engine := NewSettlementEngine(store, params)
	ledger := &recordingLedger{}
	bank := newMemBank()
	engine.SetLedger(ledger)
	engine.SetTransferrer(bank)
	engine.SetNowFunc(func() int64 { return now })
	return engine, store, ledger, bank, &now
}

func TestLockGuaranteeDisbursesPrincipal(t *testing.T) {
	engine, _, ledger, bank, _ := newTestEngine(t, SettlementParams{})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(800), big.NewInt(40), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}
	if record.ID != 1 || record.Status != StatusLocked {
		t.Fatalf("unexpected record: %+v", record)
	}
	if len(ledger.borrows) != 1 {
		t.Fatalf("expected one borrow record, got %v", ledger.borrows)
	}
	if got := bank.balanceOf("NHB", borrower); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("principal not disbursed: %s", got)
	}
}

func TestEarlyRepaymentProportionalInterest(t *testing.T) {
	engine, _, ledger, bank, now := newTestEngine(t, SettlementParams{})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)
	bank.fund("NHB", borrower, 100_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}

	*now = dayStart + 40*86_400
	settlement, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(1_020_000))
	if err != nil {
		t.Fatalf("early repayment: %v", err)
	}
	if settlement.Interest.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("expected exact pro-rata interest 20000, got %s", settlement.Interest)
	}
	if settlement.Penalty.Sign() != 0 || settlement.PlatformFee.Sign() != 0 {
		t.Fatalf("zero-rate params produced a penalty: %+v", settlement)
	}
	if settlement.TotalPaid.Cmp(big.NewInt(1_020_000)) != 0 {
		t.Fatalf("unexpected total: %s", settlement.TotalPaid)
	}
	if len(ledger.reduces) != 1 {
		t.Fatalf("expected one debt reduction, got %v", ledger.reduces)
	}
	if got := bank.balanceOf("NHB", lender); got.Cmp(big.NewInt(1_020_000)) != 0 {
		t.Fatalf("lender balance: %s", got)
	}
}

func TestEarlyRepaymentPenaltyAndFee(t *testing.T) {
	engine, _, _, bank, now := newTestEngine(t, SettlementParams{
		PenaltyRateBps: 1_000,
		PlatformFeeBps: 2_000,
		PlatformVault:  addr(0xFE),
	})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)
	bank.fund("NHB", borrower, 100_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}

	// Day 40: interest 20000, shortfall 30000, penalty 10% = 3000,
	// platform fee 20% of penalty = 600, lender keeps 2400.
	*now = dayStart + 40*86_400
	settlement, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(1_023_000))
	if err != nil {
		t.Fatalf("early repayment: %v", err)
	}
	if settlement.Penalty.Cmp(big.NewInt(2_400)) != 0 {
		t.Fatalf("expected lender penalty 2400, got %s", settlement.Penalty)
	}
	if settlement.PlatformFee.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected platform fee 600, got %s", settlement.PlatformFee)
	}
	if settlement.TotalPaid.Cmp(big.NewInt(1_023_000)) != 0 {
		t.Fatalf("unexpected total: %s", settlement.TotalPaid)
	}
	if got := bank.balanceOf("NHB", addr(0xFE)); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("platform vault balance: %s", got)
	}
	if got := bank.balanceOf("NHB", lender); got.Cmp(big.NewInt(1_022_400)) != 0 {
		t.Fatalf("lender balance: %s", got)
	}
}

func TestEarlyRepaymentPenaltyWindowCap(t *testing.T) {
	engine, store, _, bank, now := newTestEngine(t, SettlementParams{
		PenaltyRateBps: 10_000,
	})
	store.SetEarlyRepayPenaltyDays(10)
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)
	bank.fund("NHB", borrower, 100_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}

	// Day 40 leaves 60 days of shortfall (30000), but the penalty window caps
	// the base at 10 days' interest (5000). At a 100% rate the whole capped
	// base becomes penalty.
	*now = dayStart + 40*86_400
	settlement, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(1_025_000))
	if err != nil {
		t.Fatalf("early repayment: %v", err)
	}
	if settlement.Penalty.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("expected capped penalty 5000, got %s", settlement.Penalty)
	}
}

func TestEarlyRepaymentInsufficientAmount(t *testing.T) {
	engine, store, _, bank, now := newTestEngine(t, SettlementParams{})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}
	*now = dayStart + 40*86_400
	if _, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(1_019_999)); !errors.Is(err, ErrInsufficientRepayment) {
		t.Fatalf("expected ErrInsufficientRepayment, got %v", err)
	}
	stored, err := store.Get(record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Active() {
		t.Fatalf("rejected repayment changed status: %v", stored.Status)
	}
}

func TestEarlyRepaymentRejectedAtMaturity(t *testing.T) {
	engine, _, _, bank, now := newTestEngine(t, SettlementParams{})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}
	*now = record.MaturityTime
	if _, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(2_000_000)); !errors.Is(err, ErrNotEarly) {
		t.Fatalf("expected ErrNotEarly, got %v", err)
	}
}

func TestEarlyRepaymentRejectedBeforeStart(t *testing.T) {
	engine, store, ledger, bank, now := newTestEngine(t, SettlementParams{})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)
	bank.fund("NHB", borrower, 2_000_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}

	// A clock behind the lock timestamp must not settle anything.
	*now = record.StartTime - 10_000
	if _, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(2_000_000)); !errors.Is(err, ErrBeforeStart) {
		t.Fatalf("expected ErrBeforeStart, got %v", err)
	}
	reloaded, err := store.Get(record.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !reloaded.Active() {
		t.Fatalf("record must stay active, got %s", reloaded.Status)
	}
	if len(ledger.reduces) != 0 {
		t.Fatalf("no debt reduction expected, got %v", ledger.reduces)
	}

	// Once the clock catches up the same guarantee still settles.
	*now = record.StartTime + 40*86_400
	if _, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(1_020_000)); err != nil {
		t.Fatalf("early repayment after clock recovery: %v", err)
	}
}

func TestMaturedRepaymentRequiresFullInterest(t *testing.T) {
	engine, _, ledger, bank, now := newTestEngine(t, SettlementParams{})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)
	bank.fund("NHB", borrower, 50_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}
	*now = record.MaturityTime - 1
	if _, err := engine.ProcessMaturedRepayment(record.ID); !errors.Is(err, ErrNotMatured) {
		t.Fatalf("expected ErrNotMatured, got %v", err)
	}

	*now = record.MaturityTime
	settlement, err := engine.ProcessMaturedRepayment(record.ID)
	if err != nil {
		t.Fatalf("matured repayment: %v", err)
	}
	if settlement.TotalPaid.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("expected principal plus full interest, got %s", settlement.TotalPaid)
	}
	if len(ledger.reduces) != 1 {
		t.Fatalf("expected one debt reduction, got %v", ledger.reduces)
	}
	if got := bank.balanceOf("NHB", lender); got.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("lender balance: %s", got)
	}
}

func TestMaturedRepaymentInsufficientFundsLeavesRecordActive(t *testing.T) {
	engine, store, _, bank, now := newTestEngine(t, SettlementParams{})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}
	// Borrower holds only the disbursed principal, short of the interest.
	*now = record.MaturityTime
	if _, err := engine.ProcessMaturedRepayment(record.ID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	stored, err := store.Get(record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Active() {
		t.Fatalf("failed repayment changed status: %v", stored.Status)
	}
}

func TestDefaultCompensationCappedByVault(t *testing.T) {
	vault := addr(0xFD)
	engine, _, _, bank, now := newTestEngine(t, SettlementParams{GuaranteeVault: vault})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)
	bank.fund("NHB", vault, 700_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}
	*now = record.MaturityTime
	if _, err := engine.ProcessDefault(record.ID); !errors.Is(err, ErrNotDefaulted) {
		t.Fatalf("default at maturity must be rejected, got %v", err)
	}

	*now = record.MaturityTime + 1
	settlement, err := engine.ProcessDefault(record.ID)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if settlement.TotalPaid.Cmp(big.NewInt(700_000)) != 0 {
		t.Fatalf("expected compensation capped at 700000, got %s", settlement.TotalPaid)
	}
	if got := bank.balanceOf("NHB", vault); got.Sign() != 0 {
		t.Fatalf("vault not drained: %s", got)
	}
	if got := bank.balanceOf("NHB", lender); got.Cmp(big.NewInt(700_000)) != 0 {
		t.Fatalf("lender balance: %s", got)
	}
}

func TestRepeatSettlementRejected(t *testing.T) {
	engine, _, _, bank, now := newTestEngine(t, SettlementParams{})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)
	bank.fund("NHB", borrower, 100_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}
	*now = dayStart + 40*86_400
	if _, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(1_020_000)); err != nil {
		t.Fatalf("early repayment: %v", err)
	}
	if _, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(1_020_000)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	*now = record.MaturityTime + 1
	if _, err := engine.ProcessDefault(record.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive on default after repayment, got %v", err)
	}
}

// reentrantBank re-enters the settlement engine from inside Transfer the way a
// malicious token hook would.
type reentrantBank struct {
	*memBank
	engine  *SettlementEngine
	target  uint64
	repay   *big.Int
	inner   error
	entered bool
}

func (b *reentrantBank) Transfer(asset string, from, to types.Address, amount *big.Int) error {
	if !b.entered {
		b.entered = true
		_, b.inner = b.engine.ProcessEarlyRepayment(b.target, b.repay)
	}
	return b.memBank.Transfer(asset, from, to, amount)
}

func TestEarlyRepaymentReentrancyBlocked(t *testing.T) {
	engine, _, ledger, bank, now := newTestEngine(t, SettlementParams{})
	borrower, lender := addr(0x01), addr(0x02)
	bank.fund("NHB", lender, 1_000_000)
	bank.fund("NHB", borrower, 100_000)

	record, err := engine.LockGuarantee(borrower, lender, "NHB", big.NewInt(1_000_000), big.NewInt(50_000), 100)
	if err != nil {
		t.Fatalf("lock guarantee: %v", err)
	}

	evil := &reentrantBank{memBank: bank, engine: engine, target: record.ID, repay: big.NewInt(1_020_000)}
	engine.SetTransferrer(evil)

	*now = dayStart + 40*86_400
	if _, err := engine.ProcessEarlyRepayment(record.ID, big.NewInt(1_020_000)); err != nil {
		t.Fatalf("outer repayment: %v", err)
	}
	if !errors.Is(evil.inner, ErrNotActive) {
		t.Fatalf("re-entrant call must observe terminal status, got %v", evil.inner)
	}
	if len(ledger.reduces) != 1 {
		t.Fatalf("debt reduced more than once: %v", ledger.reduces)
	}
	if got := bank.balanceOf("NHB", lender); got.Cmp(big.NewInt(1_020_000)) != 0 {
		t.Fatalf("funds moved more than once: %s", got)
	}
}
