// Package storage defines the single capability set shared by the two
// concrete storage backends (embedded KV and relational) described in
// spec.md §4.1 and §9 ("Dynamic dispatch on storage backend"). Callers
// program against the Backend interface; cmd/almanac constructs the
// concrete backend and hands it to each coordinator.
package storage

import (
	"context"
	"time"

	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/event"
)

// Filter narrows get_events to a subset of event types. A nil or empty
// Filter matches every event type.
type Filter struct {
	EventTypes map[string]struct{}
}

// Matches reports whether eventType passes the filter.
func (f *Filter) Matches(eventType string) bool {
	if f == nil || len(f.EventTypes) == 0 {
		return true
	}
	_, ok := f.EventTypes[eventType]
	return ok
}

// Backend is the capability set both concrete backends (embedded, postgres)
// implement. It is a sealed variant set - sealed forces every
// implementation to live in this module, since Go has no closed interface
// keyword; external packages cannot satisfy sealed() and so cannot be
// handed to the coordinator as a third backend by accident.
type Backend interface {
	// StoreEvent is idempotent on (chain, ev.ID). It writes the event row,
	// upserts the BlockRecord for (ev.BlockNumber, ev.BlockHash) at status
	// Confirmed if absent, and updates the by_block/by_tx/by_type indexes.
	StoreEvent(ctx context.Context, chain string, ev *event.Event) error

	// GetEvents returns events on the canonical chain only, for each height
	// in the closed interval [from, to], ordered by (block_number, tx_index,
	// log_index). An empty range (from > to) returns an empty, non-error
	// result.
	GetEvents(ctx context.Context, chain string, from, to uint64, filter *Filter) ([]*event.Event, error)

	// GetEventByID returns an event by id regardless of whether its block is
	// currently canonical - orphaned events remain addressable by id.
	GetEventByID(ctx context.Context, chain, id string) (*event.Event, error)

	// MarkBlockProcessed records or upgrades a BlockRecord's status. It
	// forbids downgrading status outside of Rollback.
	MarkBlockProcessed(ctx context.Context, chain string, number uint64, hash string, status chainstate.Status) error

	// UpdateBlockStatus promotes the canonical block at number to status. It
	// fails with errs.NotFound if no canonical block exists at that height.
	UpdateBlockStatus(ctx context.Context, chain string, number uint64, status chainstate.Status) error

	// GetLatestBlock returns the max block_number with a canonical
	// BlockRecord, or 0 for an unknown chain (not an error).
	GetLatestBlock(ctx context.Context, chain string) (uint64, error)

	// GetLatestBlockWithStatus returns the max block_number with a
	// canonical BlockRecord whose status is >= the requested level, or 0.
	GetLatestBlockWithStatus(ctx context.Context, chain string, status chainstate.Status) (uint64, error)

	// Rollback atomically orphans every canonical record above forkHeight,
	// removes their events from the secondary indexes (the event rows
	// themselves remain addressable by id), and promotes newCanonicalHash
	// to canonical at forkHeight.
	Rollback(ctx context.Context, chain string, forkHeight uint64, newCanonicalHash string) error

	// GetCursor / PutCursor persist the per-chain ChainCursor. The
	// coordinator is the exclusive caller of PutCursor; storage only
	// persists what it is given.
	GetCursor(ctx context.Context, chain string) (chainstate.Cursor, error)
	PutCursor(ctx context.Context, cursor chainstate.Cursor) error

	// PutContractSchema / GetContractSchema persist a schema blob per
	// (chain, address); no component in this module calls them.
	// PutContractSchema is a no-op returning nil on the embedded backend,
	// per spec.md §9.
	PutContractSchema(ctx context.Context, chain, address string, schema []byte) error
	GetContractSchema(ctx context.Context, chain, address string) ([]byte, time.Time, error)

	Close() error

	sealed()
}
