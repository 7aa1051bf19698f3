package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timewave-computer/almanac/internal/causality"
	"github.com/timewave-computer/almanac/internal/causality/smt"
	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/coordinator"
	"github.com/timewave-computer/almanac/internal/dispatch"
	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/event"
	"github.com/timewave-computer/almanac/internal/storage/embedded"
)

func newTestService(t *testing.T) (*Service, *embedded.Store) {
	t.Helper()
	backend := embedded.OpenMem()
	t.Cleanup(func() { backend.Close() })

	causalHandle := embedded.NewCausalityStore(backend)
	causalStore := causality.NewStore(causalHandle, causalHandle, smt.EmptyRoot())
	dispatcher := dispatch.New(8)
	return New(backend, causalStore, dispatcher), backend
}

func TestGetEventsRejectsInvertedRange(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetEvents(context.Background(), "ethereum", 100, 50, nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestGetEventsReturnsStoredEvents(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t)

	require.NoError(t, backend.MarkBlockProcessed(ctx, "ethereum", 100, "0xaaa", chainstate.Confirmed))
	ev := &event.Event{ID: "ev-1", Chain: "ethereum", BlockNumber: 100, BlockHash: "0xaaa", EventType: "Transfer"}
	require.NoError(t, backend.StoreEvent(ctx, "ethereum", ev))

	events, err := svc.GetEvents(ctx, "ethereum", 0, 200, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "ev-1", events[0].ID)
}

func TestGetEventsFiltersByEventType(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t)

	require.NoError(t, backend.MarkBlockProcessed(ctx, "ethereum", 100, "0xaaa", chainstate.Confirmed))
	transfer := &event.Event{ID: "ev-1", Chain: "ethereum", BlockNumber: 100, BlockHash: "0xaaa", EventType: "Transfer"}
	approval := &event.Event{ID: "ev-2", Chain: "ethereum", BlockNumber: 100, BlockHash: "0xaaa", EventType: "Approval"}
	require.NoError(t, backend.StoreEvent(ctx, "ethereum", transfer))
	require.NoError(t, backend.StoreEvent(ctx, "ethereum", approval))

	events, err := svc.GetEvents(ctx, "ethereum", 0, 200, []string{"Approval"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "ev-2", events[0].ID)
}

func TestGetLatestBlockDelegatesToBackend(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t)

	require.NoError(t, backend.MarkBlockProcessed(ctx, "ethereum", 100, "0xaaa", chainstate.Finalized))

	height, err := svc.GetLatestBlock(ctx, "ethereum", chainstate.Safe)
	require.NoError(t, err)
	require.Equal(t, uint64(100), height)
}

func TestInsertRelationRoutesThroughOwningCoordinator(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t)

	coord := coordinator.New("ethereum", backend, svc.causal, dispatch.New(8))
	svc.RegisterCoordinator("ethereum", coord)

	rel := causality.Relation{
		Type: causality.RelationCausal, SourceChain: "ethereum", SourceID: "ev-1",
		TargetChain: "ethereum", TargetID: "ev-2", Payload: causality.Causal{Note: "x"},
	}
	root, err := svc.InsertRelation(ctx, "ethereum", rel)
	require.NoError(t, err)

	value, proof, err := svc.GetProof(ctx, rel.Key())
	require.NoError(t, err)
	require.True(t, causality.VerifyProof(root, rel.Key(), value, proof))
}

func TestInsertRelationUnknownChainFails(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.InsertRelation(context.Background(), "osmosis", causality.Relation{})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestGetProofReturnsUnavailableWithoutCausalStore(t *testing.T) {
	backend := embedded.OpenMem()
	defer backend.Close()
	svc := New(backend, nil, dispatch.New(8))

	_, _, err := svc.GetProof(context.Background(), [32]byte{1})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Unavailable))
}

func TestSubscribeAndCloseSubscription(t *testing.T) {
	svc, _ := newTestService(t)
	sub := svc.Subscribe(dispatch.Filter{})
	require.NoError(t, svc.CloseSubscription(sub.ID))
	require.Error(t, svc.CloseSubscription(sub.ID))
}

func TestStatsGathersCursorsAndSubscriptions(t *testing.T) {
	ctx := context.Background()
	svc, backend := newTestService(t)

	require.NoError(t, backend.PutCursor(ctx, chainstate.Cursor{Chain: "ethereum", LastProcessedHeight: 42}))
	sub := svc.Subscribe(dispatch.Filter{})
	defer svc.CloseSubscription(sub.ID)

	stats, err := svc.Stats(ctx, []string{"ethereum"})
	require.NoError(t, err)
	require.Equal(t, uint64(42), stats.Cursors["ethereum"].LastProcessedHeight)
	require.Len(t, stats.Subscriptions, 1)
}
