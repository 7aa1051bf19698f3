// Package event defines the chain-agnostic Event record consumed by every
// layer above the chain adapters (storage, causality, dispatcher).
package event

import (
	"fmt"
	"time"
)

// Attribute is a single ordered (key, value) pair. Cosmos events are
// natively key/value; EVM logs are mapped onto the same shape (address,
// topics[0..n], data) so that one record serves both chain families.
type Attribute struct {
	Key   string
	Value string
}

// Event is the normalized, chain-agnostic record produced by every adapter
// variant. Two events sharing the same (Chain, ID) must be byte-identical
// except for admission timestamp - see storage invariant (d) in spec.md §4.1.
type Event struct {
	// ID is unique within (Chain, EventType); derived by NewID.
	ID string

	Chain       string
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	TxIndex     uint64
	LogIndex    uint64 // EVM: log index in the block; Cosmos: event index in its tx, or in the block's finalize-block events

	// Timestamp is the block timestamp in UTC seconds, not the admission time.
	Timestamp time.Time

	EventType  string
	Attributes []Attribute

	// RawData is the original RLP/protobuf payload, retained for faithful
	// replay independent of how Attributes was derived.
	RawData []byte
}

// NewID derives the canonical event id: chain || '-' || tx_hash || '-' ||
// event_type || '-' || log_index.
func NewID(chain, txHash, eventType string, logIndex uint64) string {
	return fmt.Sprintf("%s-%s-%s-%d", chain, txHash, eventType, logIndex)
}

// Attr returns the first value for key, and whether it was present.
func (e *Event) Attr(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SortKey is the tuple events are ordered by within get_events and within an
// adapter's emission stream: (block_number, tx_index, log_index).
func (e *Event) SortKey() [3]uint64 {
	return [3]uint64{e.BlockNumber, e.TxIndex, e.LogIndex}
}

// Less reports whether e sorts before other under SortKey.
func (e *Event) Less(other *Event) bool {
	a, b := e.SortKey(), other.SortKey()
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
