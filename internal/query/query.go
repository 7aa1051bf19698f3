// Package query implements the external query surface described in
// spec.md §6 - the contract an HTTP/GraphQL front end (out of scope here)
// would consume: get_events, get_latest_block, get_proof, subscribe, and
// stats. It is a thin validating wrapper over storage.Backend,
// causality.Store, and dispatch.Dispatcher.
package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timewave-computer/almanac/internal/causality"
	"github.com/timewave-computer/almanac/internal/causality/smt"
	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/coordinator"
	"github.com/timewave-computer/almanac/internal/dispatch"
	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/event"
	"github.com/timewave-computer/almanac/internal/storage"
)

// DefaultStatementTimeout bounds a get_events call when the caller supplies
// none, per spec.md §5 ("enforced by the backend's statement timeout,
// default 30 s").
const DefaultStatementTimeout = 30 * time.Second

// Service exposes the full query surface over a single storage backend,
// causality store, and dispatcher (one Service per deployment, shared
// across all chains it was configured with).
type Service struct {
	backend    storage.Backend
	causal     *causality.Store
	dispatcher *dispatch.Dispatcher

	coordMu      sync.Mutex
	coordinators map[string]*coordinator.Coordinator
}

// New constructs a Service over already-wired components.
func New(backend storage.Backend, causal *causality.Store, dispatcher *dispatch.Dispatcher) *Service {
	return &Service{
		backend:      backend,
		causal:       causal,
		dispatcher:   dispatcher,
		coordinators: make(map[string]*coordinator.Coordinator),
	}
}

// RegisterCoordinator associates chain's owning coordinator with this
// Service, so InsertRelation can route through it. One call per configured
// chain, made once at startup alongside registry.Register.
func (s *Service) RegisterCoordinator(chain string, coord *coordinator.Coordinator) {
	s.coordMu.Lock()
	defer s.coordMu.Unlock()
	s.coordinators[chain] = coord
}

// GetEvents returns chain's events in [fromBlock, toBlock], optionally
// narrowed to eventTypes. A nil/empty eventTypes matches every type. ctx
// should carry DefaultStatementTimeout if the caller has no tighter bound.
func (s *Service) GetEvents(ctx context.Context, chain string, fromBlock, toBlock uint64, eventTypes []string) ([]*event.Event, error) {
	if fromBlock > toBlock {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("from_block %d > to_block %d", fromBlock, toBlock), nil)
	}
	var filter *storage.Filter
	if len(eventTypes) > 0 {
		set := make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			set[t] = struct{}{}
		}
		filter = &storage.Filter{EventTypes: set}
	}
	return s.backend.GetEvents(ctx, chain, fromBlock, toBlock, filter)
}

// GetLatestBlock returns the highest block at or above minStatus for
// chain, 0 if none.
func (s *Service) GetLatestBlock(ctx context.Context, chain string, minStatus chainstate.Status) (uint64, error) {
	return s.backend.GetLatestBlockWithStatus(ctx, chain, minStatus)
}

// GetProof returns the current value and inclusion/exclusion path for a
// causality key.
func (s *Service) GetProof(ctx context.Context, key [32]byte) ([]byte, *smt.Proof, error) {
	if s.causal == nil {
		return nil, nil, errs.New(errs.Unavailable, "causality store not configured", nil)
	}
	return s.causal.GetProof(ctx, key)
}

// InsertRelation asserts rel, attributing it to the tick of chain's
// coordinator so that a fork later orphaning either endpoint's block
// tombstones it. chain is rel.SourceChain for a cross-chain relation: the
// side whose coordinator saw the asserting event first.
func (s *Service) InsertRelation(ctx context.Context, chain string, rel causality.Relation) ([32]byte, error) {
	if s.causal == nil {
		return [32]byte{}, errs.New(errs.Unavailable, "causality store not configured", nil)
	}
	s.coordMu.Lock()
	coord, ok := s.coordinators[chain]
	s.coordMu.Unlock()
	if !ok {
		return [32]byte{}, errs.New(errs.NotFound, fmt.Sprintf("no coordinator registered for chain %s", chain), nil)
	}
	return coord.InsertRelation(ctx, rel)
}

// Subscribe opens a new subscription matching filter.
func (s *Service) Subscribe(filter dispatch.Filter) *dispatch.Subscription {
	return s.dispatcher.Subscribe(filter)
}

// CloseSubscription removes a subscription by id.
func (s *Service) CloseSubscription(id string) error {
	return s.dispatcher.Close(id)
}

// Stats is the aggregate snapshot the stats() call returns: per-chain
// cursor plus dispatcher outbox depths.
type Stats struct {
	Cursors       map[string]chainstate.Cursor
	Subscriptions []dispatch.Stats
}

// Stats gathers the current cursor for each chain plus dispatcher stats.
func (s *Service) Stats(ctx context.Context, chains []string) (Stats, error) {
	cursors := make(map[string]chainstate.Cursor, len(chains))
	for _, chain := range chains {
		cur, err := s.backend.GetCursor(ctx, chain)
		if err != nil {
			return Stats{}, err
		}
		cursors[chain] = cur
	}
	return Stats{Cursors: cursors, Subscriptions: s.dispatcher.Stats()}, nil
}
