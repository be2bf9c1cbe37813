package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"lendvault/core/types"
	"lendvault/native/guarantee"
	"lendvault/native/ledger"
)

// ErrInsufficientBalance rejects a transfer the source account cannot
// cover.
var ErrInsufficientBalance = errors.New("state: insufficient balance")

const (
	prefixPosition   = "lv/pos/"
	prefixTotalDebt  = "lv/debt-total/"
	prefixDebtAssets = "lv/debt-assets/"
	prefixGuarantee  = "lv/guar/rec/"
	prefixActive     = "lv/guar/active/"
	prefixBalance    = "lv/bal/"
	keyCounter       = "lv/guar/counter"
)

// Manager persists all platform state behind the engines' state interfaces.
// Records are RLP encoded; every read hands back a decoded copy so engines
// never alias stored memory.
//
// A transaction overlay supports the settlement flows: state effects staged
// inside WithinTransaction only reach the backing database when the whole
// flow succeeds.
type Manager struct {
	// txMu serializes whole transactions; mu guards the overlay pointer and
	// individual key accesses.
	txMu sync.Mutex
	mu   sync.Mutex
	db   Database
	tx   *txOverlay
}

type txOverlay struct {
	writes  map[string][]byte
	deletes map[string]struct{}
}

// NewManager wraps a key-value database in a state manager.
func NewManager(db Database) *Manager {
	return &Manager{db: db}
}

// WithinTransaction stages every write issued by fn and flushes them to the
// database only when fn returns nil. On error the staged writes are dropped
// and the database is untouched. Concurrent transactions block until the
// in-flight one commits or rolls back; fn must not start another transaction
// on the same manager.
func (m *Manager) WithinTransaction(fn func() error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	m.tx = &txOverlay{
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
	m.mu.Unlock()

	err := fn()

	m.mu.Lock()
	defer m.mu.Unlock()
	overlay := m.tx
	m.tx = nil
	if err != nil {
		return err
	}
	for key, value := range overlay.writes {
		if putErr := m.db.Put([]byte(key), value); putErr != nil {
			return putErr
		}
	}
	for key := range overlay.deletes {
		if delErr := m.db.Delete([]byte(key)); delErr != nil {
			return delErr
		}
	}
	return nil
}

func (m *Manager) get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		if value, ok := m.tx.writes[key]; ok {
			return value, true, nil
		}
		if _, ok := m.tx.deletes[key]; ok {
			return nil, false, nil
		}
	}
	value, err := m.db.Get([]byte(key))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		delete(m.tx.deletes, key)
		m.tx.writes[key] = value
		return nil
	}
	return m.db.Put([]byte(key), value)
}

func (m *Manager) delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		delete(m.tx.writes, key)
		m.tx.deletes[key] = struct{}{}
		return nil
	}
	return m.db.Delete([]byte(key))
}

// --- ledger state ---

type storedPosition struct {
	User       types.Address
	Asset      string
	Collateral *big.Int
	Debt       *big.Int
}

func positionKey(user types.Address, asset string) string {
	return prefixPosition + user.String() + "/" + asset
}

// GetPosition loads the (user, asset) position; absent positions return nil.
func (m *Manager) GetPosition(user types.Address, asset string) (*ledger.Position, error) {
	raw, ok, err := m.get(positionKey(user, asset))
	if err != nil || !ok {
		return nil, err
	}
	var stored storedPosition
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode position: %w", err)
	}
	return &ledger.Position{
		User:       stored.User,
		Asset:      stored.Asset,
		Collateral: stored.Collateral,
		Debt:       stored.Debt,
	}, nil
}

// PutPosition persists the position record.
func (m *Manager) PutPosition(pos *ledger.Position) error {
	if pos == nil {
		return errors.New("state: nil position")
	}
	raw, err := rlp.EncodeToBytes(&storedPosition{
		User:       pos.User,
		Asset:      pos.Asset,
		Collateral: pos.Collateral,
		Debt:       pos.Debt,
	})
	if err != nil {
		return fmt.Errorf("state: encode position: %w", err)
	}
	return m.put(positionKey(pos.User, pos.Asset), raw)
}

// GetTotalDebt loads the per-asset debt aggregate; absent aggregates return
// nil.
func (m *Manager) GetTotalDebt(asset string) (*big.Int, error) {
	raw, ok, err := m.get(prefixTotalDebt + asset)
	if err != nil || !ok {
		return nil, err
	}
	total := new(big.Int)
	if err := rlp.DecodeBytes(raw, total); err != nil {
		return nil, fmt.Errorf("state: decode total debt: %w", err)
	}
	return total, nil
}

// PutTotalDebt persists the per-asset debt aggregate.
func (m *Manager) PutTotalDebt(asset string, total *big.Int) error {
	raw, err := rlp.EncodeToBytes(total)
	if err != nil {
		return fmt.Errorf("state: encode total debt: %w", err)
	}
	return m.put(prefixTotalDebt+asset, raw)
}

// DebtAssets loads the user's debt-asset index.
func (m *Manager) DebtAssets(user types.Address) ([]string, error) {
	raw, ok, err := m.get(prefixDebtAssets + user.String())
	if err != nil || !ok {
		return nil, err
	}
	var assets []string
	if err := rlp.DecodeBytes(raw, &assets); err != nil {
		return nil, fmt.Errorf("state: decode debt assets: %w", err)
	}
	return assets, nil
}

// PutDebtAssets persists the user's debt-asset index.
func (m *Manager) PutDebtAssets(user types.Address, assets []string) error {
	raw, err := rlp.EncodeToBytes(assets)
	if err != nil {
		return fmt.Errorf("state: encode debt assets: %w", err)
	}
	return m.put(prefixDebtAssets+user.String(), raw)
}

// --- guarantee state ---

type storedGuarantee struct {
	ID               uint64
	Borrower         types.Address
	Lender           types.Address
	Asset            string
	Principal        *big.Int
	PromisedInterest *big.Int
	StartTime        uint64
	MaturityTime     uint64
	PenaltyDays      uint64
	Status           uint8
}

func guaranteeKey(id uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return prefixGuarantee + string(buf[:])
}

func activeKey(borrower types.Address, asset string) string {
	return prefixActive + borrower.String() + "/" + asset
}

// GuaranteeCounter loads the last assigned guarantee id.
func (m *Manager) GuaranteeCounter() (uint64, error) {
	raw, ok, err := m.get(keyCounter)
	if err != nil || !ok {
		return 0, err
	}
	var counter uint64
	if err := rlp.DecodeBytes(raw, &counter); err != nil {
		return 0, fmt.Errorf("state: decode counter: %w", err)
	}
	return counter, nil
}

// PutGuaranteeCounter persists the last assigned guarantee id.
func (m *Manager) PutGuaranteeCounter(value uint64) error {
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode counter: %w", err)
	}
	return m.put(keyCounter, raw)
}

// GetGuarantee loads a guarantee record; unknown ids return nil.
func (m *Manager) GetGuarantee(id uint64) (*guarantee.Record, error) {
	raw, ok, err := m.get(guaranteeKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var stored storedGuarantee
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode guarantee: %w", err)
	}
	return &guarantee.Record{
		ID:                    stored.ID,
		Borrower:              stored.Borrower,
		Lender:                stored.Lender,
		Asset:                 stored.Asset,
		Principal:             stored.Principal,
		PromisedInterest:      stored.PromisedInterest,
		StartTime:             int64(stored.StartTime),
		MaturityTime:          int64(stored.MaturityTime),
		EarlyRepayPenaltyDays: stored.PenaltyDays,
		Status:                guarantee.Status(stored.Status),
	}, nil
}

// PutGuarantee persists a guarantee record keyed by id.
func (m *Manager) PutGuarantee(record *guarantee.Record) error {
	if record == nil {
		return errors.New("state: nil guarantee record")
	}
	raw, err := rlp.EncodeToBytes(&storedGuarantee{
		ID:               record.ID,
		Borrower:         record.Borrower,
		Lender:           record.Lender,
		Asset:            record.Asset,
		Principal:        record.Principal,
		PromisedInterest: record.PromisedInterest,
		StartTime:        uint64(record.StartTime),
		MaturityTime:     uint64(record.MaturityTime),
		PenaltyDays:      record.EarlyRepayPenaltyDays,
		Status:           uint8(record.Status),
	})
	if err != nil {
		return fmt.Errorf("state: encode guarantee: %w", err)
	}
	return m.put(guaranteeKey(record.ID), raw)
}

// ActiveGuarantee resolves the active guarantee id for a (borrower, asset)
// pair.
func (m *Manager) ActiveGuarantee(borrower types.Address, asset string) (uint64, bool, error) {
	raw, ok, err := m.get(activeKey(borrower, asset))
	if err != nil || !ok {
		return 0, false, err
	}
	var id uint64
	if err := rlp.DecodeBytes(raw, &id); err != nil {
		return 0, false, fmt.Errorf("state: decode active index: %w", err)
	}
	return id, true, nil
}

// PutActiveGuarantee records the active guarantee id for a (borrower, asset)
// pair.
func (m *Manager) PutActiveGuarantee(borrower types.Address, asset string, id uint64) error {
	raw, err := rlp.EncodeToBytes(id)
	if err != nil {
		return fmt.Errorf("state: encode active index: %w", err)
	}
	return m.put(activeKey(borrower, asset), raw)
}

// RemoveActiveGuarantee drops the active index entry.
func (m *Manager) RemoveActiveGuarantee(borrower types.Address, asset string) error {
	return m.delete(activeKey(borrower, asset))
}

// --- fund ledger ---

func balanceKey(asset string, addr types.Address) string {
	return prefixBalance + asset + "/" + addr.String()
}

// Balance returns the account's balance in the supplied asset. Unknown
// accounts hold zero.
func (m *Manager) Balance(asset string, addr types.Address) (*big.Int, error) {
	raw, ok, err := m.get(balanceKey(asset, addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(raw, balance); err != nil {
		return nil, fmt.Errorf("state: decode balance: %w", err)
	}
	return balance, nil
}

// Credit adds funds to an account. It backs external deposits and test
// fixtures; settlement flows only ever move existing funds.
func (m *Manager) Credit(asset string, addr types.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("state: credit amount must be non-negative")
	}
	balance, err := m.Balance(asset, addr)
	if err != nil {
		return err
	}
	return m.putBalance(asset, addr, balance.Add(balance, amount))
}

// Transfer moves funds between accounts, rejecting overdrafts.
func (m *Manager) Transfer(asset string, from, to types.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("state: transfer amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal, err := m.Balance(asset, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBal, err := m.Balance(asset, to)
	if err != nil {
		return err
	}
	if err := m.putBalance(asset, from, fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}
	return m.putBalance(asset, to, toBal.Add(toBal, amount))
}

func (m *Manager) putBalance(asset string, addr types.Address, balance *big.Int) error {
	raw, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return fmt.Errorf("state: encode balance: %w", err)
	}
	return m.put(balanceKey(asset, addr), raw)
}
