// Package coordinator runs one task per chain that consumes an adapter's
// output stream and drives storage, causality, and the dispatcher,
// generalizing pkg/anchor.EventWatcher's dispatchLoop (single consumer
// goroutine draining an events channel, handler table keyed by event kind)
// into the full per-chain state machine described for this indexer.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/timewave-computer/almanac/internal/adapter"
	"github.com/timewave-computer/almanac/internal/causality"
	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/dispatch"
	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/event"
	"github.com/timewave-computer/almanac/internal/obslog"
	"github.com/timewave-computer/almanac/internal/storage"
)

// InboxCapacity is the bounded channel size between an adapter and its
// coordinator, per spec.md §5's backpressure model.
const InboxCapacity = 4096

// maxPendingEvents is the cap on events buffered awaiting a not-yet-known
// block, per spec.md §4.4 ("max 64 events, oldest-drop").
const maxPendingEvents = 64

// maxStorageRetries / storageRetryDelay bound the coordinator's retry of a
// single input on a storage error before marking the chain Stalled.
const (
	maxStorageRetries = 3
	storageRetryDelay = 200 * time.Millisecond
)

// ChainState is Stalled once storage errors persist past retry. A stalled
// coordinator ignores all further input; the chain's adapter is not
// suspended and keeps running.
type ChainState int

const (
	ChainRunning ChainState = iota
	ChainStalled
)

// pendingEvent is an event whose containing block wasn't known yet when it
// arrived. Events are never held back for a subscriber's finality gate:
// each is dispatched once, and Filter.Matches drops it for subscribers
// whose MinFinality the block's status does not meet.
type pendingEvent struct {
	ev     *event.Event
	height uint64
}

// Coordinator owns exactly one chain's ChainCursor and is the only caller
// of storage.Backend.Rollback for that chain.
type Coordinator struct {
	chain      string
	backend    storage.Backend
	causal     *causality.Store
	dispatcher *dispatch.Dispatcher
	logger     *obslog.Logger

	tick    int64
	pending []pendingEvent

	knownBlocks map[string]chainstate.Status // hash -> status, for blocks seen but maybe not yet canonical

	relMu   sync.Mutex
	relKeys map[string][][32]byte // event id -> causality relation keys referencing it

	state ChainState
}

// New constructs a coordinator for chain, wired to the shared storage,
// causality, and dispatch components.
func New(chain string, backend storage.Backend, causal *causality.Store, dispatcher *dispatch.Dispatcher) *Coordinator {
	return &Coordinator{
		chain:       chain,
		backend:     backend,
		causal:      causal,
		dispatcher:  dispatcher,
		logger:      obslog.New("coordinator/" + chain),
		knownBlocks: make(map[string]chainstate.Status),
		relKeys:     make(map[string][][32]byte),
	}
}

// RegisterRelation records that a causality relation keyed by key
// references eventID, so that a later fork orphaning that event's block
// tombstones the relation. Callers that insert a relation via the
// causality store call this for each event id the relation names.
func (c *Coordinator) RegisterRelation(eventID string, key [32]byte) {
	c.relMu.Lock()
	defer c.relMu.Unlock()
	c.relKeys[eventID] = append(c.relKeys[eventID], key)
}

// InsertRelation inserts rel into the shared causality store at this
// coordinator's current tick and registers the resulting key against both
// endpoints it names, so a fork later orphaning either one's block
// tombstones the relation. This is the production entry point for
// spec.md §4.3's insert_relation: callers never call causal.InsertRelation
// directly, since only the owning coordinator can also register the
// tombstone tracking that keeps the tree consistent across a reorg.
func (c *Coordinator) InsertRelation(ctx context.Context, rel causality.Relation) ([32]byte, error) {
	c.tick++
	root, err := c.causal.InsertRelation(ctx, c.tick, rel)
	if err != nil {
		return [32]byte{}, err
	}
	key := rel.Key()
	if rel.SourceID != "" {
		c.RegisterRelation(rel.SourceID, key)
	}
	if rel.TargetID != "" {
		c.RegisterRelation(rel.TargetID, key)
	}
	return root, nil
}

// Run drains in until ctx is cancelled or the channel closes, handling each
// AdapterEvent per spec.md §4.4's table. It is the sole writer of this
// chain's cursor.
func (c *Coordinator) Run(ctx context.Context, in <-chan adapter.AdapterEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ae adapter.AdapterEvent) {
	if c.state == ChainStalled {
		return
	}

	var err error
	switch ae.Kind {
	case adapter.KindNewBlock:
		err = c.handleNewBlock(ctx, ae.Block)
	case adapter.KindEvent:
		err = c.handleEvent(ctx, ae.Event)
	case adapter.KindStatusPromotion:
		err = c.handleStatusPromotion(ctx, ae.PromotedHeight, ae.PromotedStatus)
	case adapter.KindForkDetected:
		err = c.handleForkDetected(ctx, ae.ForkHeight, ae.NewCanonical)
	}

	if err != nil {
		c.logger.Errorf("input failed permanently, stalling chain: %v", err)
		c.state = ChainStalled
	}
}

// withRetry re-runs fn up to maxStorageRetries times with storageRetryDelay
// backoff before giving up, per spec.md §4.4's error surfacing rule.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxStorageRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < maxStorageRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(storageRetryDelay):
			}
		}
	}
	return err
}

// handleNewBlock records block at its initial status. Parent-hash
// consistency against the prior canonical block is checked by the
// adapter's own fork detector, which emits KindForkDetected instead of
// KindNewBlock when it disagrees; the coordinator only persists what it is
// handed.
func (c *Coordinator) handleNewBlock(ctx context.Context, block *chainstate.BlockRecord) error {
	return withRetry(ctx, func() error {
		if err := c.backend.MarkBlockProcessed(ctx, c.chain, block.Number, block.Hash, block.Status); err != nil {
			if errs.Is(err, errs.Invariant) {
				return nil // already recorded at >= this status; not an error
			}
			return err
		}
		c.knownBlocks[block.Hash] = block.Status
		c.tick++
		return c.advanceCursor(ctx, block.Number, block.Hash)
	})
}

func (c *Coordinator) advanceCursor(ctx context.Context, height uint64, hash string) error {
	cur, err := c.backend.GetCursor(ctx, c.chain)
	if err != nil {
		return err
	}
	cur.Chain = c.chain
	cur.LastProcessedHeight = height
	cur.LastProcessedHash = hash
	return c.backend.PutCursor(ctx, cur)
}

func (c *Coordinator) handleEvent(ctx context.Context, ev *event.Event) error {
	if _, known := c.knownBlocks[ev.BlockHash]; !known {
		c.bufferPending(ev)
		return nil
	}

	if err := withRetry(ctx, func() error { return c.backend.StoreEvent(ctx, c.chain, ev) }); err != nil {
		return err
	}

	status := c.knownBlocks[ev.BlockHash]
	c.release(ctx, ev, status)
	return nil
}

func (c *Coordinator) bufferPending(ev *event.Event) {
	c.pending = append(c.pending, pendingEvent{ev: ev, height: ev.BlockNumber})
	if len(c.pending) > maxPendingEvents {
		c.pending = c.pending[1:] // oldest-drop
	}
}

func (c *Coordinator) release(ctx context.Context, ev *event.Event, status chainstate.Status) {
	c.dispatcher.Dispatch(c.chain, ev, status)
}

func (c *Coordinator) handleStatusPromotion(ctx context.Context, height uint64, status chainstate.Status) error {
	return withRetry(ctx, func() error {
		if err := c.backend.UpdateBlockStatus(ctx, c.chain, height, status); err != nil {
			return err
		}

		remaining := c.pending[:0]
		for _, p := range c.pending {
			if p.height <= height {
				if err := c.backend.StoreEvent(ctx, c.chain, p.ev); err != nil {
					return err
				}
				c.release(ctx, p.ev, status)
				continue
			}
			remaining = append(remaining, p)
		}
		c.pending = remaining
		return nil
	})
}

func (c *Coordinator) handleForkDetected(ctx context.Context, forkHeight uint64, newCanonicalHash string) error {
	return withRetry(ctx, func() error {
		orphaned, err := c.orphanedEventIDs(ctx, forkHeight)
		if err != nil {
			return err
		}

		if err := c.backend.Rollback(ctx, c.chain, forkHeight, newCanonicalHash); err != nil {
			return err
		}

		c.tombstoneRelations(ctx, orphaned)

		c.dispatcher.DispatchReorg(dispatch.ReorgNotice{Chain: c.chain, ForkHeight: forkHeight, NewCanonical: newCanonicalHash})
		return c.advanceCursor(ctx, forkHeight, newCanonicalHash)
	})
}

// orphanedEventIDs lists the ids of every canonical event above forkHeight,
// read before Rollback removes their secondary-index entries.
func (c *Coordinator) orphanedEventIDs(ctx context.Context, forkHeight uint64) ([]string, error) {
	latest, err := c.backend.GetLatestBlock(ctx, c.chain)
	if err != nil {
		return nil, err
	}
	if latest <= forkHeight {
		return nil, nil
	}
	events, err := c.backend.GetEvents(ctx, c.chain, forkHeight+1, latest, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids, nil
}

// tombstoneRelations invalidates every causality entry registered against
// an orphaned event id: the SMT key remains but its value becomes empty,
// per spec.md §4.4's ForkDetected handling.
func (c *Coordinator) tombstoneRelations(ctx context.Context, orphanedEventIDs []string) {
	if c.causal == nil {
		return
	}
	c.relMu.Lock()
	defer c.relMu.Unlock()
	for _, id := range orphanedEventIDs {
		for _, key := range c.relKeys[id] {
			c.tick++
			if _, err := c.causal.Tombstone(ctx, c.tick, key); err != nil {
				c.logger.Errorf("tombstone causality relation for orphaned event %s: %v", id, err)
			}
		}
		delete(c.relKeys, id)
	}
}

// State reports whether this chain is still being ingested.
func (c *Coordinator) State() ChainState {
	return c.state
}
