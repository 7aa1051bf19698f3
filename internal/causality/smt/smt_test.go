package smt

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func key(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func TestEmptyRootHasNoEntries(t *testing.T) {
	ctx := context.Background()
	tree := New(NewMemStore())

	value, proof, err := tree.GetProof(ctx, key("absent"))
	require.NoError(t, err)
	require.Nil(t, value)
	require.True(t, VerifyProof(EmptyRoot(), key("absent"), nil, proof))
}

func TestInsertThenProofVerifies(t *testing.T) {
	ctx := context.Background()
	tree := New(NewMemStore())

	root, err := tree.Insert(ctx, key("a"), []byte("value-a"))
	require.NoError(t, err)
	require.Equal(t, root, tree.Root())

	value, proof, err := tree.GetProof(ctx, key("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("value-a"), value)
	require.True(t, VerifyProof(root, key("a"), value, proof))
}

func TestInsertManyKeysEachVerifies(t *testing.T) {
	ctx := context.Background()
	tree := New(NewMemStore())

	labels := []string{"a", "b", "c", "d", "e"}
	var root [32]byte
	for _, l := range labels {
		var err error
		root, err = tree.Insert(ctx, key(l), []byte("val-"+l))
		require.NoError(t, err)
	}

	for _, l := range labels {
		value, proof, err := tree.GetProof(ctx, key(l))
		require.NoError(t, err)
		require.Equal(t, []byte("val-"+l), value)
		require.True(t, VerifyProof(root, key(l), value, proof))
	}
}

func TestTombstoneClearsValueAndChangesRoot(t *testing.T) {
	ctx := context.Background()
	tree := New(NewMemStore())

	rootBefore, err := tree.Insert(ctx, key("a"), []byte("value-a"))
	require.NoError(t, err)

	rootAfter, err := tree.Insert(ctx, key("a"), nil)
	require.NoError(t, err)
	require.NotEqual(t, rootBefore, rootAfter)

	value, proof, err := tree.GetProof(ctx, key("a"))
	require.NoError(t, err)
	require.Nil(t, value)
	require.True(t, VerifyProof(rootAfter, key("a"), nil, proof))
}

func TestProofAtReconstructsHistoricalRoot(t *testing.T) {
	ctx := context.Background()
	tree := New(NewMemStore())

	rootAfterA, err := tree.Insert(ctx, key("a"), []byte("value-a"))
	require.NoError(t, err)

	valueAtInsertTime, proofAtInsertTime, err := tree.GetProof(ctx, key("a"))
	require.NoError(t, err)

	// Insert more keys, moving the tree's current root well past rootAfterA.
	_, err = tree.Insert(ctx, key("b"), []byte("value-b"))
	require.NoError(t, err)
	_, err = tree.Insert(ctx, key("c"), []byte("value-c"))
	require.NoError(t, err)

	require.NotEqual(t, rootAfterA, tree.Root())

	// The proof captured against rootAfterA must still verify against
	// rootAfterA specifically, even though the tree has moved on.
	require.True(t, VerifyProof(rootAfterA, key("a"), valueAtInsertTime, proofAtInsertTime))

	// And ProofAt can reconstruct an equivalent proof from scratch.
	value, proof, err := tree.ProofAt(ctx, rootAfterA, key("a"))
	require.NoError(t, err)
	require.Equal(t, valueAtInsertTime, value)
	require.True(t, VerifyProof(rootAfterA, key("a"), value, proof))
}

func TestVerifyProofRejectsWrongValue(t *testing.T) {
	ctx := context.Background()
	tree := New(NewMemStore())

	root, err := tree.Insert(ctx, key("a"), []byte("value-a"))
	require.NoError(t, err)

	_, proof, err := tree.GetProof(ctx, key("a"))
	require.NoError(t, err)

	require.False(t, VerifyProof(root, key("a"), []byte("wrong-value"), proof))
}

func TestVerifyProofRejectsWrongRoot(t *testing.T) {
	ctx := context.Background()
	tree := New(NewMemStore())

	_, err := tree.Insert(ctx, key("a"), []byte("value-a"))
	require.NoError(t, err)

	value, proof, err := tree.GetProof(ctx, key("a"))
	require.NoError(t, err)

	require.False(t, VerifyProof(EmptyRoot(), key("a"), value, proof))
}

func TestLoadResumesAtGivenRoot(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	tree := New(store)

	root, err := tree.Insert(ctx, key("a"), []byte("value-a"))
	require.NoError(t, err)

	resumed := Load(store, root)
	value, proof, err := resumed.GetProof(ctx, key("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("value-a"), value)
	require.True(t, VerifyProof(root, key("a"), value, proof))
}
