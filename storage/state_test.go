package storage

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"lendvault/core/types"
	"lendvault/native/guarantee"
	"lendvault/native/ledger"
)

func testAddress(b byte) types.Address {
	var addr types.Address
	addr[19] = b
	return addr
}

func TestPositionRoundTrip(t *testing.T) {
	m := NewManager(NewMemDB())
	user := testAddress(0x01)

	loaded, err := m.GetPosition(user, "NHB")
	require.NoError(t, err)
	require.Nil(t, loaded)

	pos := &ledger.Position{
		User:       user,
		Asset:      "NHB",
		Collateral: big.NewInt(500),
		Debt:       big.NewInt(120),
	}
	require.NoError(t, m.PutPosition(pos))

	loaded, err = m.GetPosition(user, "NHB")
	require.NoError(t, err)
	require.Equal(t, pos.Collateral, loaded.Collateral)
	require.Equal(t, pos.Debt, loaded.Debt)
	require.Equal(t, user, loaded.User)
}

func TestTotalDebtAndIndexRoundTrip(t *testing.T) {
	m := NewManager(NewMemDB())
	user := testAddress(0x02)

	total, err := m.GetTotalDebt("NHB")
	require.NoError(t, err)
	require.Nil(t, total)

	require.NoError(t, m.PutTotalDebt("NHB", big.NewInt(42)))
	total, err = m.GetTotalDebt("NHB")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), total)

	require.NoError(t, m.PutDebtAssets(user, []string{"NHB", "ZNHB"}))
	assets, err := m.DebtAssets(user)
	require.NoError(t, err)
	require.Equal(t, []string{"NHB", "ZNHB"}, assets)
}

func TestGuaranteeRoundTrip(t *testing.T) {
	m := NewManager(NewMemDB())

	record := &guarantee.Record{
		ID:                    7,
		Borrower:              testAddress(0x01),
		Lender:                testAddress(0x02),
		Asset:                 "NHB",
		Principal:             big.NewInt(1_000_000),
		PromisedInterest:      big.NewInt(50_000),
		StartTime:             1_000_000,
		MaturityTime:          1_000_000 + 100*86_400,
		EarlyRepayPenaltyDays: 10,
		Status:                guarantee.StatusLocked,
	}
	require.NoError(t, m.PutGuarantee(record))

	loaded, err := m.GetGuarantee(7)
	require.NoError(t, err)
	require.Equal(t, record.ID, loaded.ID)
	require.Equal(t, record.Borrower, loaded.Borrower)
	require.Equal(t, record.Principal, loaded.Principal)
	require.Equal(t, record.MaturityTime, loaded.MaturityTime)
	require.Equal(t, guarantee.StatusLocked, loaded.Status)

	missing, err := m.GetGuarantee(8)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestActiveIndexLifecycle(t *testing.T) {
	m := NewManager(NewMemDB())
	borrower := testAddress(0x03)

	_, ok, err := m.ActiveGuarantee(borrower, "NHB")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.PutActiveGuarantee(borrower, "NHB", 9))
	id, ok, err := m.ActiveGuarantee(borrower, "NHB")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), id)

	require.NoError(t, m.RemoveActiveGuarantee(borrower, "NHB"))
	_, ok, err = m.ActiveGuarantee(borrower, "NHB")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGuaranteeCounterRoundTrip(t *testing.T) {
	m := NewManager(NewMemDB())

	counter, err := m.GuaranteeCounter()
	require.NoError(t, err)
	require.Zero(t, counter)

	require.NoError(t, m.PutGuaranteeCounter(11))
	counter, err = m.GuaranteeCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(11), counter)
}

func TestTransferRejectsOverdraft(t *testing.T) {
	m := NewManager(NewMemDB())
	from, to := testAddress(0x01), testAddress(0x02)

	require.NoError(t, m.Credit("NHB", from, big.NewInt(100)))
	err := m.Transfer("NHB", from, to, big.NewInt(101))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, m.Transfer("NHB", from, to, big.NewInt(40)))
	fromBal, err := m.Balance("NHB", from)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(60), fromBal)
	toBal, err := m.Balance("NHB", to)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(40), toBal)
}

func TestTransactionCommitAndRollback(t *testing.T) {
	m := NewManager(NewMemDB())
	user := testAddress(0x04)

	err := m.WithinTransaction(func() error {
		if err := m.PutTotalDebt("NHB", big.NewInt(10)); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)
	total, err := m.GetTotalDebt("NHB")
	require.NoError(t, err)
	require.Nil(t, total, "rolled back write must not reach the database")

	require.NoError(t, m.WithinTransaction(func() error {
		if err := m.PutTotalDebt("NHB", big.NewInt(10)); err != nil {
			return err
		}
		return m.PutDebtAssets(user, []string{"NHB"})
	}))
	total, err = m.GetTotalDebt("NHB")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10), total)
}

func TestTransactionOverlayReadsOwnWrites(t *testing.T) {
	m := NewManager(NewMemDB())
	borrower := testAddress(0x05)
	require.NoError(t, m.PutActiveGuarantee(borrower, "NHB", 3))

	require.NoError(t, m.WithinTransaction(func() error {
		if err := m.RemoveActiveGuarantee(borrower, "NHB"); err != nil {
			return err
		}
		_, ok, err := m.ActiveGuarantee(borrower, "NHB")
		if err != nil {
			return err
		}
		require.False(t, ok, "staged delete must be visible inside the transaction")
		return nil
	}))
	_, ok, err := m.ActiveGuarantee(borrower, "NHB")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	m := NewManager(NewMemDB())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithinTransaction(func() error {
				total, err := m.GetTotalDebt("NHB")
				if err != nil {
					return err
				}
				if total == nil {
					total = big.NewInt(0)
				}
				return m.PutTotalDebt("NHB", new(big.Int).Add(total, big.NewInt(1)))
			})
			if err != nil {
				t.Errorf("transaction: %v", err)
			}
		}()
	}
	wg.Wait()

	total, err := m.GetTotalDebt("NHB")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(8), total, "each transaction must observe the previous commit")
}
