package guarantee

import (
	"math/big"

	"lendvault/core/types"
)

// Status represents the lifecycle states of a guarantee record. Locked is the
// only active state; every other status is terminal and permanent.
type Status uint8

const (
	StatusLocked Status = iota
	StatusEarlyRepaid
	StatusMaturedRepaid
	StatusDefaulted
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusLocked, StatusEarlyRepaid, StatusMaturedRepaid, StatusDefaulted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the record's lifecycle.
func (s Status) Terminal() bool { return s.Valid() && s != StatusLocked }

// String renders the canonical lowercase status label used in events.
func (s Status) String() string {
	switch s {
	case StatusLocked:
		return "locked"
	case StatusEarlyRepaid:
		return "early_repaid"
	case StatusMaturedRepaid:
		return "matured_repaid"
	case StatusDefaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// Record captures a fixed-term guarantee obligation between a borrower and a
// lender. Terminated records are retained for audit; only the active index
// entry is removed.
type Record struct {
	ID                    uint64
	Borrower              types.Address
	Lender                types.Address
	Asset                 string
	Principal             *big.Int
	PromisedInterest      *big.Int
	StartTime             int64
	MaturityTime          int64
	EarlyRepayPenaltyDays uint64
	Status                Status
}

// Active reports whether the record still awaits settlement.
func (r *Record) Active() bool { return r != nil && r.Status == StatusLocked }

// Clone returns a deep copy so callers can safely mutate the result.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Principal != nil {
		clone.Principal = new(big.Int).Set(r.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	if r.PromisedInterest != nil {
		clone.PromisedInterest = new(big.Int).Set(r.PromisedInterest)
	} else {
		clone.PromisedInterest = big.NewInt(0)
	}
	return &clone
}
