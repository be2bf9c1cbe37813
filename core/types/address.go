package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies a participant (borrower, lender, vault) on the platform.
// The zero value is reserved and rejected by every mutating operation.
type Address [20]byte

// ZeroAddress is the invalid sentinel address.
var ZeroAddress = Address{}

// IsZero reports whether the address is the reserved zero value.
func (a Address) IsZero() bool { return a == ZeroAddress }

// String renders the address as 0x-prefixed lowercase hex.
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// ParseAddress decodes a 20-byte address from its hex representation. A
// leading 0x prefix is optional.
func ParseAddress(s string) (Address, error) {
	var addr Address
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	if len(trimmed) != hex.EncodedLen(len(addr)) {
		return addr, fmt.Errorf("types: address must be 20 bytes (got %d hex chars)", len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("types: decode address: %w", err)
	}
	copy(addr[:], decoded)
	return addr, nil
}

// NormalizeAsset canonicalises an asset symbol to upper case. An empty result
// means the symbol is invalid.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
