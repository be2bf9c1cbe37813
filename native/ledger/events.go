package ledger

import (
	"math/big"

	"lendvault/core/types"
)

// TypeDebtRecorded is emitted on every debt mutation (borrow, repay, forced
// reduction).
const TypeDebtRecorded = "ledger.debt_recorded"

// DebtRecordedEvent carries the post-mutation balances for reconciliation.
type DebtRecordedEvent struct {
	User      types.Address
	Asset     string
	Op        string
	Amount    *big.Int
	NewDebt   *big.Int
	TotalDebt *big.Int
}

func (DebtRecordedEvent) EventType() string { return TypeDebtRecorded }

// Event renders the canonical attribute payload.
func (e DebtRecordedEvent) Event() *types.Event {
	attrs := map[string]string{
		"user":    e.User.String(),
		"asset":   e.Asset,
		"op":      e.Op,
		"amount":  formatAmount(e.Amount),
		"newDebt": formatAmount(e.NewDebt),
	}
	if e.TotalDebt != nil {
		attrs["totalDebt"] = e.TotalDebt.String()
	}
	return &types.Event{Type: TypeDebtRecorded, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
