package valuation

import (
	"math/big"
	"strconv"

	"lendvault/core/types"
)

const (
	TypeDegraded      = "valuation.degraded"
	TypeHealthChanged = "valuation.health_changed"
)

// DegradedEvent records a fallback valuation so operators can reconcile
// degraded pricing after the fact.
type DegradedEvent struct {
	Asset     string
	Operation string
	Reason    string
	Value     *big.Int
	IsValid   bool
}

func (DegradedEvent) EventType() string { return TypeDegraded }

// Event renders the canonical attribute payload.
func (e DegradedEvent) Event() *types.Event {
	value := "0"
	if e.Value != nil {
		value = e.Value.String()
	}
	return &types.Event{
		Type: TypeDegraded,
		Attributes: map[string]string{
			"asset":     e.Asset,
			"operation": e.Operation,
			"reason":    e.Reason,
			"value":     value,
			"valid":     strconv.FormatBool(e.IsValid),
		},
	}
}

// HealthChangedEvent signals a feed health transition for an asset.
type HealthChangedEvent struct {
	Asset   string
	Healthy bool
	Reason  string
}

func (HealthChangedEvent) EventType() string { return TypeHealthChanged }

// Event renders the canonical attribute payload.
func (e HealthChangedEvent) Event() *types.Event {
	return &types.Event{
		Type: TypeHealthChanged,
		Attributes: map[string]string{
			"asset":   e.Asset,
			"healthy": strconv.FormatBool(e.Healthy),
			"reason":  e.Reason,
		},
	}
}
