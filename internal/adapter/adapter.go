// Package adapter defines the chain-agnostic contract every chain family
// (EVM, Cosmos) implements, generalized from pkg/anchor.EventWatcher's
// Start/Stop/Events channel shape in the codebase this project adapts.
package adapter

import (
	"context"

	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/event"
)

// Kind tags which variant an AdapterEvent carries.
type Kind int

const (
	KindNewBlock Kind = iota + 1
	KindEvent
	KindStatusPromotion
	KindForkDetected
)

// AdapterEvent is the sum type an adapter emits on its output channel. Only
// the field matching Kind is populated.
type AdapterEvent struct {
	Kind Kind

	// KindNewBlock
	Block *chainstate.BlockRecord

	// KindEvent
	Event *event.Event

	// KindStatusPromotion
	PromotedHeight uint64
	PromotedStatus chainstate.Status

	// KindForkDetected
	ForkHeight   uint64
	NewCanonical string
}

// Health reflects an adapter's RPC connectivity, per spec.md §4.2 failure
// semantics: five consecutive failures surface Unhealthy without stopping
// retries.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
)

// Adapter is the capability set the coordinator drives. Start runs until ctx
// is cancelled or an unrecoverable error occurs; it owns its own RPC
// connection exclusively and is not safe to call twice concurrently.
type Adapter interface {
	Chain() string
	Start(ctx context.Context, out chan<- AdapterEvent) error
	Health() Health
}
