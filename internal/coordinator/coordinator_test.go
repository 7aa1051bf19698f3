package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timewave-computer/almanac/internal/adapter"
	"github.com/timewave-computer/almanac/internal/causality"
	"github.com/timewave-computer/almanac/internal/causality/smt"
	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/dispatch"
	"github.com/timewave-computer/almanac/internal/event"
	"github.com/timewave-computer/almanac/internal/storage/embedded"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *embedded.Store, *dispatch.Dispatcher) {
	t.Helper()
	backend := embedded.OpenMem()
	t.Cleanup(func() { backend.Close() })

	causalHandle := embedded.NewCausalityStore(backend)
	causalStore := causality.NewStore(causalHandle, causalHandle, smt.EmptyRoot())

	dispatcher := dispatch.New(8)
	coord := New("ethereum", backend, causalStore, dispatcher)
	return coord, backend, dispatcher
}

func blockRecord(number uint64, hash string, status chainstate.Status) *chainstate.BlockRecord {
	return &chainstate.BlockRecord{Chain: "ethereum", Number: number, Hash: hash, Status: status}
}

func TestNewBlockThenEventDispatchesImmediately(t *testing.T) {
	ctx := context.Background()
	coord, _, dispatcher := newTestCoordinator(t)
	sub := dispatcher.Subscribe(dispatch.Filter{})
	defer dispatcher.Close(sub.ID)

	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindNewBlock, Block: blockRecord(100, "0xaaa", chainstate.Confirmed)})

	ev := &event.Event{ID: "ev-1", Chain: "ethereum", BlockNumber: 100, BlockHash: "0xaaa", EventType: "Transfer"}
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindEvent, Event: ev})

	delivery, ok := sub.Next()
	require.True(t, ok)
	require.Equal(t, "ev-1", delivery.Event.ID)
	require.Equal(t, ChainRunning, coord.State())
}

func TestEventBeforeBlockIsBufferedUntilStatusPromotion(t *testing.T) {
	ctx := context.Background()
	coord, _, dispatcher := newTestCoordinator(t)
	sub := dispatcher.Subscribe(dispatch.Filter{})
	defer dispatcher.Close(sub.ID)

	ev := &event.Event{ID: "ev-1", Chain: "ethereum", BlockNumber: 100, BlockHash: "0xaaa", EventType: "Transfer"}
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindEvent, Event: ev})
	require.Equal(t, 0, sub.Depth())

	// The block becoming known does not by itself flush events buffered
	// before it arrived; only a later status promotion does.
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindNewBlock, Block: blockRecord(100, "0xaaa", chainstate.Confirmed)})
	require.Equal(t, 0, sub.Depth())

	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindStatusPromotion, PromotedHeight: 100, PromotedStatus: chainstate.Safe})

	delivery, ok := sub.Next()
	require.True(t, ok)
	require.Equal(t, "ev-1", delivery.Event.ID)
}

func TestStatusPromotionReleasesOnlyPendingAtOrBelowHeight(t *testing.T) {
	ctx := context.Background()
	coord, backend, dispatcher := newTestCoordinator(t)
	sub := dispatcher.Subscribe(dispatch.Filter{})
	defer dispatcher.Close(sub.ID)

	// Seed both canonical blocks directly in storage (bypassing
	// coord.handleNewBlock, which would also mark them known in-memory and
	// make handleEvent dispatch immediately instead of buffering).
	require.NoError(t, backend.MarkBlockProcessed(ctx, "ethereum", 100, "0xaaa", chainstate.Confirmed))
	require.NoError(t, backend.MarkBlockProcessed(ctx, "ethereum", 200, "0xbbb", chainstate.Confirmed))

	// Both events arrive before their blocks are known to the coordinator,
	// so both land in the pending buffer rather than dispatching immediately.
	low := &event.Event{ID: "ev-low", Chain: "ethereum", BlockNumber: 100, BlockHash: "0xaaa", EventType: "Transfer"}
	high := &event.Event{ID: "ev-high", Chain: "ethereum", BlockNumber: 200, BlockHash: "0xbbb", EventType: "Transfer"}
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindEvent, Event: low})
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindEvent, Event: high})
	require.Equal(t, 0, sub.Depth())

	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindStatusPromotion, PromotedHeight: 100, PromotedStatus: chainstate.Safe})

	delivery, ok := sub.Next()
	require.True(t, ok)
	require.Equal(t, "ev-low", delivery.Event.ID)
	require.Equal(t, 0, sub.Depth()) // ev-high is still pending, above the promoted height
}

func TestForkDetectedOrphansAndNotifiesReorgSubscribers(t *testing.T) {
	ctx := context.Background()
	coord, backend, dispatcher := newTestCoordinator(t)
	sub := dispatcher.Subscribe(dispatch.Filter{ReorgNotices: true})
	defer dispatcher.Close(sub.ID)

	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindNewBlock, Block: blockRecord(100, "0xaaa", chainstate.Confirmed)})
	ev := &event.Event{ID: "ev-1", Chain: "ethereum", BlockNumber: 100, BlockHash: "0xaaa", EventType: "Transfer"}
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindEvent, Event: ev})

	coord.RegisterRelation("ev-1", [32]byte{1, 2, 3})

	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindForkDetected, ForkHeight: 99, NewCanonical: "0xnew"})

	// The filter also matches events, so ev-1 is delivered ahead of the notice.
	first, ok := sub.Next()
	require.True(t, ok)
	require.Equal(t, "ev-1", first.Event.ID)

	delivery, ok := sub.Next()
	require.True(t, ok)
	require.NotNil(t, delivery.Reorg)
	require.Equal(t, uint64(99), delivery.Reorg.ForkHeight)
	require.Equal(t, "0xnew", delivery.Reorg.NewCanonical)

	latest, err := backend.GetLatestBlock(ctx, "ethereum")
	require.NoError(t, err)
	require.Equal(t, uint64(99), latest)
	require.Equal(t, ChainRunning, coord.State())
}

func TestUnhandleableInputStallsChain(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newTestCoordinator(t)

	// A status promotion referencing a height with no canonical block is a
	// storage-level NotFound the coordinator cannot retry its way out of.
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindStatusPromotion, PromotedHeight: 12345, PromotedStatus: chainstate.Finalized})

	require.Equal(t, ChainStalled, coord.State())

	// Once stalled, further input is ignored rather than retried forever.
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindNewBlock, Block: blockRecord(1, "0xaaa", chainstate.Confirmed)})
	require.Equal(t, ChainStalled, coord.State())
}

func TestInsertRelationRegistersBothEndpoints(t *testing.T) {
	ctx := context.Background()
	coord, backend, _ := newTestCoordinator(t)

	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindNewBlock, Block: blockRecord(100, "0xaaa", chainstate.Confirmed)})
	ev1 := &event.Event{ID: "ev-1", Chain: "ethereum", BlockNumber: 100, BlockHash: "0xaaa", EventType: "Transfer"}
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindEvent, Event: ev1})

	rel := causality.Relation{
		Type: causality.RelationCausal, SourceChain: "ethereum", SourceID: "ev-1",
		TargetChain: "ethereum", TargetID: "ev-2", Payload: causality.Causal{Note: "x"},
	}
	root, err := coord.InsertRelation(ctx, rel)
	require.NoError(t, err)

	value, proof, err := coord.causal.GetProof(ctx, rel.Key())
	require.NoError(t, err)
	require.True(t, causality.VerifyProof(root, rel.Key(), value, proof))

	// A fork orphaning ev-1's block must tombstone the relation, proving
	// RegisterRelation ran for the source endpoint.
	coord.handle(ctx, adapter.AdapterEvent{Kind: adapter.KindForkDetected, ForkHeight: 99, NewCanonical: "0xnew"})

	value, _, err = coord.causal.GetProof(ctx, rel.Key())
	require.NoError(t, err)
	require.Nil(t, value)

	latest, err := backend.GetLatestBlock(ctx, "ethereum")
	require.NoError(t, err)
	require.Equal(t, uint64(99), latest)
}

func TestRunDrainsChannelUntilContextCancelled(t *testing.T) {
	coord, _, dispatcher := newTestCoordinator(t)
	sub := dispatcher.Subscribe(dispatch.Filter{})
	defer dispatcher.Close(sub.ID)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan adapter.AdapterEvent, 4)
	done := make(chan struct{})
	go func() {
		coord.Run(ctx, in)
		close(done)
	}()

	in <- adapter.AdapterEvent{Kind: adapter.KindNewBlock, Block: blockRecord(1, "0xaaa", chainstate.Confirmed)}
	ev := &event.Event{ID: "ev-1", Chain: "ethereum", BlockNumber: 1, BlockHash: "0xaaa", EventType: "Transfer"}
	in <- adapter.AdapterEvent{Kind: adapter.KindEvent, Event: ev}

	delivery, ok := sub.Next()
	require.True(t, ok)
	require.Equal(t, "ev-1", delivery.Event.ID)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
