// Package causality maintains verifiable relations between observed events
// using the depth-256 sparse Merkle tree in internal/causality/smt. It
// generalizes the transaction-batch Merkle tree in pkg/merkle (originally
// built fresh per batch with BuildTree) into an append-mostly, point-update
// store addressed by relation key rather than leaf position.
package causality

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/timewave-computer/almanac/internal/causality/smt"
	"github.com/timewave-computer/almanac/internal/errs"
)

// RelationType tags which of the three relation shapes a payload holds.
type RelationType byte

const (
	// RelationCausal marks "target was caused by source".
	RelationCausal RelationType = 1
	// RelationCrossChainRef anchors an event on one chain to an event on another.
	RelationCrossChainRef RelationType = 2
	// RelationResourceFlow records a value movement between two events.
	RelationResourceFlow RelationType = 3
)

// Causal is "target was caused by source".
type Causal struct {
	SourceChain, SourceID string
	TargetChain, TargetID string
	Note                  string `cbor:"note,omitempty"`
}

// CrossChainRef anchors a source-chain event to a target-chain event.
type CrossChainRef struct {
	SourceChain, SourceEvent string
	TargetChain, TargetEvent string
}

// ResourceFlow records a value movement between two events.
type ResourceFlow struct {
	SourceEvent, TargetEvent string
	ResourceID               string
	Amount                   string // decimal string; avoids float precision loss over CBOR
}

// Relation is the common envelope every payload is wrapped in before
// insertion, carrying the fields the key is derived from.
type Relation struct {
	Type        RelationType
	SourceChain string
	SourceID    string
	TargetChain string
	TargetID    string
	Payload     any
}

// Key derives the 32-byte SMT key: SHA-256(relation_type_byte ||
// source_chain || ':' || source_id || '\x00' || target_chain || ':' ||
// target_id).
func (r Relation) Key() [32]byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Type))
	buf.WriteString(r.SourceChain)
	buf.WriteByte(':')
	buf.WriteString(r.SourceID)
	buf.WriteByte(0)
	buf.WriteString(r.TargetChain)
	buf.WriteByte(':')
	buf.WriteString(r.TargetID)
	return sha256.Sum256(buf.Bytes())
}

// canonicalPayload CBOR-encodes the payload using core deterministic
// encoding so the same logical payload always serializes identically.
func canonicalPayload(v any) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	em, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(v)
}

// Store is the append-mostly causality store: a sparse Merkle tree plus a
// history of roots indexed by the coordinator tick that produced them.
type Store struct {
	mu    sync.Mutex
	tree  *smt.Tree
	roots RootStore
}

// RootStore persists every root the tree has ever produced, keyed by the
// coordinator tick that produced it.
type RootStore interface {
	PutRoot(ctx context.Context, tick int64, root [32]byte) error
	GetRoot(ctx context.Context, tick int64) ([32]byte, bool, error)
}

// NewStore builds a causality store over nodes and roots, resuming at
// latestRoot if the process restarted with existing state (EmptyRoot()
// otherwise).
func NewStore(nodes smt.NodeStore, roots RootStore, latestRoot [32]byte) *Store {
	return &Store{tree: smt.Load(nodes, latestRoot), roots: roots}
}

// InsertRelation computes the relation's key and leaf value, updates the
// tree, records the resulting root under tick, and returns the new root.
func (s *Store) InsertRelation(ctx context.Context, tick int64, rel Relation) ([32]byte, error) {
	payload, err := canonicalPayload(rel.Payload)
	if err != nil {
		return [32]byte{}, errs.New(errs.Parse, "encode causality payload", err)
	}
	leafValue := sha256.Sum256(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.tree.Insert(ctx, rel.Key(), leafValue[:])
	if err != nil {
		return [32]byte{}, errs.New(errs.Storage, "insert causality relation", err)
	}
	if err := s.roots.PutRoot(ctx, tick, root); err != nil {
		return [32]byte{}, errs.New(errs.Storage, "persist causality root", err)
	}
	return root, nil
}

// Tombstone marks key's value empty without removing the key from the
// tree's history: a ForkDetected orphaning the events behind a relation
// calls this so the tree root changes and subsequent proofs reflect the
// invalidation, per the coordinator's reorg handling.
func (s *Store) Tombstone(ctx context.Context, tick int64, key [32]byte) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.tree.Insert(ctx, key, nil)
	if err != nil {
		return [32]byte{}, errs.New(errs.Storage, "tombstone causality relation", err)
	}
	if err := s.roots.PutRoot(ctx, tick, root); err != nil {
		return [32]byte{}, errs.New(errs.Storage, "persist causality root", err)
	}
	return root, nil
}

// GetProof returns the current leaf value for key (nil if never inserted or
// tombstoned) and the inclusion/exclusion proof against the tree's current
// root.
func (s *Store) GetProof(ctx context.Context, key [32]byte) ([]byte, *smt.Proof, error) {
	value, proof, err := s.tree.GetProof(ctx, key)
	if err != nil {
		return nil, nil, errs.New(errs.Storage, "get causality proof", err)
	}
	return value, proof, nil
}

// VerifyProof is the pure external-verifier entry point, exposed at the
// causality package level so callers need not import internal/causality/smt.
func VerifyProof(root [32]byte, key [32]byte, value []byte, proof *smt.Proof) bool {
	return smt.VerifyProof(root, key, value, proof)
}

// GetProofAt returns key's value and inclusion/exclusion proof as of the
// root captured at tick, independent of whatever the tree's current root
// is. Content-addressed node storage never overwrites a node, so any root
// ever returned by InsertRelation remains fully reconstructable.
func (s *Store) GetProofAt(ctx context.Context, tick int64, key [32]byte) ([]byte, *smt.Proof, error) {
	root, err := s.RootAt(ctx, tick)
	if err != nil {
		return nil, nil, err
	}
	value, proof, err := s.tree.ProofAt(ctx, root, key)
	if err != nil {
		return nil, nil, errs.New(errs.Storage, "get historical causality proof", err)
	}
	return value, proof, nil
}

// RootAt retrieves the historical root produced by the insertion at tick.
func (s *Store) RootAt(ctx context.Context, tick int64) ([32]byte, error) {
	root, ok, err := s.roots.GetRoot(ctx, tick)
	if err != nil {
		return [32]byte{}, errs.New(errs.Storage, "get causality root", err)
	}
	if !ok {
		return [32]byte{}, errs.New(errs.NotFound, fmt.Sprintf("no causality root at tick %d", tick), nil)
	}
	return root, nil
}

// Root returns the tree's current root.
func (s *Store) Root() [32]byte {
	return s.tree.Root()
}
