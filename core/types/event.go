package types

// Event represents a typed event emitted during ledger and settlement state
// transitions. Attributes are flat strings so downstream indexers can consume
// them without schema knowledge.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
