package ledger

import (
	"math/big"

	"lendvault/core/types"
)

// Position maintains the collateral and debt balances for one (user, asset)
// pair. A position whose balances are both zero is logically absent; state
// backends may garbage collect it.
type Position struct {
	User       types.Address
	Asset      string
	Collateral *big.Int
	Debt       *big.Int
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored instance.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{User: p.User, Asset: p.Asset}
	if p.Collateral != nil {
		clone.Collateral = new(big.Int).Set(p.Collateral)
	} else {
		clone.Collateral = big.NewInt(0)
	}
	if p.Debt != nil {
		clone.Debt = new(big.Int).Set(p.Debt)
	} else {
		clone.Debt = big.NewInt(0)
	}
	return clone
}

func (p *Position) ensureDefaults() {
	if p.Collateral == nil {
		p.Collateral = big.NewInt(0)
	}
	if p.Debt == nil {
		p.Debt = big.NewInt(0)
	}
}

// IsEmpty reports whether the position carries no balances.
func (p *Position) IsEmpty() bool {
	if p == nil {
		return true
	}
	return (p.Collateral == nil || p.Collateral.Sign() == 0) &&
		(p.Debt == nil || p.Debt.Sign() == 0)
}
