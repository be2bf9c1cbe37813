package guarantee

import (
	"math/big"
	"strconv"

	"lendvault/core/types"
)

const (
	// TypeLocked is emitted when a guarantee enters the Locked state.
	TypeLocked = "guarantee.locked"
	// TypeTerminated is emitted exactly once per guarantee when it reaches a
	// terminal state.
	TypeTerminated = "guarantee.terminated"
)

// LockedEvent reports a newly created guarantee.
type LockedEvent struct {
	Record *Record
}

// EventType implements events.Event.
func (LockedEvent) EventType() string { return TypeLocked }

// Event renders the attribute payload for downstream consumers.
func (e LockedEvent) Event() *types.Event {
	attrs := map[string]string{}
	if e.Record != nil {
		attrs["id"] = strconv.FormatUint(e.Record.ID, 10)
		attrs["borrower"] = e.Record.Borrower.String()
		attrs["lender"] = e.Record.Lender.String()
		attrs["asset"] = e.Record.Asset
		attrs["principal"] = bigString(e.Record.Principal)
		attrs["promisedInterest"] = bigString(e.Record.PromisedInterest)
		attrs["maturityTime"] = strconv.FormatInt(e.Record.MaturityTime, 10)
	}
	return &types.Event{Type: TypeLocked, Attributes: attrs}
}

// TerminatedEvent reports the single terminal transition of a guarantee
// together with the amounts that settled it.
type TerminatedEvent struct {
	ID          uint64
	Borrower    types.Address
	Lender      types.Address
	Asset       string
	Outcome     Status
	Principal   *big.Int
	Interest    *big.Int
	Penalty     *big.Int
	PlatformFee *big.Int
}

// EventType implements events.Event.
func (TerminatedEvent) EventType() string { return TypeTerminated }

// Event renders the attribute payload for downstream consumers.
func (e TerminatedEvent) Event() *types.Event {
	return &types.Event{
		Type: TypeTerminated,
		Attributes: map[string]string{
			"id":          strconv.FormatUint(e.ID, 10),
			"borrower":    e.Borrower.String(),
			"lender":      e.Lender.String(),
			"asset":       e.Asset,
			"outcome":     e.Outcome.String(),
			"principal":   bigString(e.Principal),
			"interest":    bigString(e.Interest),
			"penalty":     bigString(e.Penalty),
			"platformFee": bigString(e.PlatformFee),
		},
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
