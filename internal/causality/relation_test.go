package causality

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timewave-computer/almanac/internal/causality/smt"
	"github.com/timewave-computer/almanac/internal/errs"
)

// memRootStore is an in-memory RootStore for tests.
type memRootStore struct {
	mu    sync.Mutex
	roots map[int64][32]byte
}

func newMemRootStore() *memRootStore {
	return &memRootStore{roots: make(map[int64][32]byte)}
}

func (m *memRootStore) PutRoot(_ context.Context, tick int64, root [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots[tick] = root
	return nil
}

func (m *memRootStore) GetRoot(_ context.Context, tick int64) ([32]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	root, ok := m.roots[tick]
	return root, ok, nil
}

func newTestStore() *Store {
	return NewStore(smt.NewMemStore(), newMemRootStore(), smt.EmptyRoot())
}

func TestRelationKeyDependsOnAllFields(t *testing.T) {
	base := Relation{Type: RelationCausal, SourceChain: "ethereum", SourceID: "ev1", TargetChain: "osmosis", TargetID: "ev2"}
	other := base
	other.TargetID = "ev3"

	require.NotEqual(t, base.Key(), other.Key())
	require.Equal(t, base.Key(), base.Key())
}

func TestInsertRelationProofRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	rel := Relation{
		Type: RelationCausal, SourceChain: "ethereum", SourceID: "ev1", TargetChain: "osmosis", TargetID: "ev2",
		Payload: Causal{SourceChain: "ethereum", SourceID: "ev1", TargetChain: "osmosis", TargetID: "ev2", Note: "bridge deposit"},
	}

	root, err := store.InsertRelation(ctx, 1, rel)
	require.NoError(t, err)
	require.Equal(t, root, store.Root())

	value, proof, err := store.GetProof(ctx, rel.Key())
	require.NoError(t, err)
	require.NotNil(t, value)
	require.True(t, VerifyProof(root, rel.Key(), value, proof))
}

func TestGetProofAtSurvivesLaterInserts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	relA := Relation{Type: RelationCausal, SourceChain: "ethereum", SourceID: "evA1", TargetChain: "osmosis", TargetID: "evA2"}
	rootAtTick1, err := store.InsertRelation(ctx, 1, relA)
	require.NoError(t, err)

	valueAtTick1, proofAtTick1, err := store.GetProofAt(ctx, 1, relA.Key())
	require.NoError(t, err)
	require.NotNil(t, valueAtTick1)
	require.True(t, VerifyProof(rootAtTick1, relA.Key(), valueAtTick1, proofAtTick1))

	relB := Relation{Type: RelationCausal, SourceChain: "ethereum", SourceID: "evB1", TargetChain: "osmosis", TargetID: "evB2"}
	_, err = store.InsertRelation(ctx, 2, relB)
	require.NoError(t, err)
	relC := Relation{Type: RelationCausal, SourceChain: "ethereum", SourceID: "evC1", TargetChain: "osmosis", TargetID: "evC2"}
	_, err = store.InsertRelation(ctx, 3, relC)
	require.NoError(t, err)

	require.NotEqual(t, rootAtTick1, store.Root())

	// The old proof (captured at tick 1) must still verify against the root
	// captured at tick 1, not the tree's current root.
	valueNow, proofNow, err := store.GetProofAt(ctx, 1, relA.Key())
	require.NoError(t, err)
	require.Equal(t, valueAtTick1, valueNow)
	require.True(t, VerifyProof(rootAtTick1, relA.Key(), valueNow, proofNow))
}

func TestRootAtUnknownTickIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	_, err := store.RootAt(ctx, 42)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestTombstoneInvalidatesRelation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	rel := Relation{Type: RelationCausal, SourceChain: "ethereum", SourceID: "ev1", TargetChain: "osmosis", TargetID: "ev2"}
	_, err := store.InsertRelation(ctx, 1, rel)
	require.NoError(t, err)

	root, err := store.Tombstone(ctx, 2, rel.Key())
	require.NoError(t, err)

	value, proof, err := store.GetProof(ctx, rel.Key())
	require.NoError(t, err)
	require.Nil(t, value)
	require.True(t, VerifyProof(root, rel.Key(), nil, proof))
}
