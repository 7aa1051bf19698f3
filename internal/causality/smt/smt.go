// Package smt implements a fixed-depth-256 sparse Merkle tree over SHA-256,
// the tree construction generalized from pkg/merkle.Tree's dense binary
// Merkle tree (BuildTree/GenerateProof/VerifyProof) in the codebase this
// project adapts. Unlike a dense tree built once from a leaf list, this tree
// supports point inserts into a key space of 2^256 addresses, using
// precomputed empty-subtree hashes so unvisited branches never need to be
// materialized.
package smt

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"sync"
)

// Depth is the number of levels between the root and a leaf.
const Depth = 256

// emptyHash[d] is the hash of an empty subtree of depth d, for d in
// [0, Depth]. emptyHash[0] is the hash of an absent leaf value; emptyHash[Depth]
// is the root of a tree with no entries at all. These must be precomputed
// once at startup, not recomputed per insertion.
var emptyHash [Depth + 1][32]byte

func init() {
	emptyHash[0] = sha256.Sum256(nil)
	for d := 1; d <= Depth; d++ {
		emptyHash[d] = hashPair(emptyHash[d-1], emptyHash[d-1])
	}
}

// EmptyRoot returns the root of a tree with no entries.
func EmptyRoot() [32]byte {
	return emptyHash[Depth]
}

func hashPair(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashLeaf hashes a leaf payload; Depth-level proofs compare against this,
// never the raw payload. An absent leaf hashes to emptyHash[0].
func HashLeaf(value []byte) [32]byte {
	if len(value) == 0 {
		return emptyHash[0]
	}
	return sha256.Sum256(value)
}

// Node is an internal tree node: the hash of its two children.
type Node struct {
	Left, Right [32]byte
}

// NodeStore is the content-addressed backing store for internal nodes and
// leaf values. A node or value is addressed by its own hash, so storage is
// append-only - nothing is ever overwritten, only added, which is what lets
// Tree retain every historical root's full path set indefinitely.
type NodeStore interface {
	GetNode(ctx context.Context, hash [32]byte) (Node, bool, error)
	PutNode(ctx context.Context, hash [32]byte, n Node) error
	GetValue(ctx context.Context, hash [32]byte) ([]byte, bool, error)
	PutValue(ctx context.Context, hash [32]byte, value []byte) error
}

// MemStore is an in-memory NodeStore, used for tests and for causality
// trees that don't need to survive a restart.
type MemStore struct {
	mu     sync.RWMutex
	nodes  map[[32]byte]Node
	values map[[32]byte][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[[32]byte]Node), values: make(map[[32]byte][]byte)}
}

func (m *MemStore) GetNode(_ context.Context, hash [32]byte) (Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[hash]
	return n, ok, nil
}

func (m *MemStore) PutNode(_ context.Context, hash [32]byte, n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[hash] = n
	return nil
}

func (m *MemStore) GetValue(_ context.Context, hash [32]byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[hash]
	return v, ok, nil
}

func (m *MemStore) PutValue(_ context.Context, hash [32]byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[hash] = cp
	return nil
}

// Proof is a depth-256 inclusion/exclusion proof: the sibling hash at every
// level from the leaf up to the root.
type Proof struct {
	Siblings [Depth][32]byte
}

// Tree is a sparse Merkle tree addressed by 32-byte keys. The zero value is
// not usable; construct with New.
type Tree struct {
	mu    sync.Mutex
	store NodeStore
	root  [32]byte
}

// New creates a tree with the empty root, backed by store.
func New(store NodeStore) *Tree {
	return &Tree{store: store, root: EmptyRoot()}
}

// Load resumes a tree at a previously produced root.
func Load(store NodeStore, root [32]byte) *Tree {
	return &Tree{store: store, root: root}
}

// Root returns the current root.
func (t *Tree) Root() [32]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// bit returns the bit of key at position i (0 = most significant bit,
// descending the tree from the root).
func bit(key [32]byte, i int) int {
	byteIdx := i / 8
	bitIdx := 7 - (i % 8)
	return int((key[byteIdx] >> uint(bitIdx)) & 1)
}

// Insert walks the path for key from the current root to the leaf,
// collecting siblings, then rebuilds every node on that path bottom-up with
// the new leaf value, storing each new internal node and returning the new
// root. value may be nil/empty to tombstone a previously inserted key: the
// leaf reverts to emptyHash[0] and the root changes accordingly.
func (t *Tree) Insert(ctx context.Context, key [32]byte, value []byte) ([32]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := make([]Node, Depth)
	siblings := make([][32]byte, Depth)
	cur := t.root
	for d := 0; d < Depth; d++ {
		if cur == emptyHash[Depth-d] {
			path[d] = Node{Left: emptyHash[Depth-d-1], Right: emptyHash[Depth-d-1]}
		} else {
			n, ok, err := t.store.GetNode(ctx, cur)
			if err != nil {
				return [32]byte{}, err
			}
			if !ok {
				// cur is a leaf hash reached before depth Depth; treat both
				// children as absent from this point on is impossible for a
				// well-formed tree, so surface it as an empty node rather
				// than panicking on a corrupt store.
				path[d] = Node{Left: emptyHash[Depth-d-1], Right: emptyHash[Depth-d-1]}
			} else {
				path[d] = n
			}
		}
		if bit(key, d) == 0 {
			siblings[d] = path[d].Right
			cur = path[d].Left
		} else {
			siblings[d] = path[d].Left
			cur = path[d].Right
		}
	}

	leafHash := HashLeaf(value)
	if len(value) > 0 {
		if err := t.store.PutValue(ctx, leafHash, value); err != nil {
			return [32]byte{}, err
		}
	}

	node := leafHash
	for d := Depth - 1; d >= 0; d-- {
		var n Node
		if bit(key, d) == 0 {
			n = Node{Left: node, Right: siblings[d]}
		} else {
			n = Node{Left: siblings[d], Right: node}
		}
		nodeHash := hashPair(n.Left, n.Right)
		if nodeHash != emptyHash[Depth-d] {
			if err := t.store.PutNode(ctx, nodeHash, n); err != nil {
				return [32]byte{}, err
			}
		}
		node = nodeHash
	}

	t.root = node
	return t.root, nil
}

// GetProof returns the leaf value at key (nil if absent) and the sibling
// path needed to verify it against the tree's current root.
func (t *Tree) GetProof(ctx context.Context, key [32]byte) ([]byte, *Proof, error) {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()
	return t.ProofAt(ctx, root, key)
}

// ProofAt computes a proof for key against a specific historical root,
// which must still be reachable in store (content-addressed storage never
// overwrites a node, so any root ever returned by Insert remains valid).
func (t *Tree) ProofAt(ctx context.Context, root [32]byte, key [32]byte) ([]byte, *Proof, error) {
	var proof Proof
	cur := root
	for d := 0; d < Depth; d++ {
		if cur == emptyHash[Depth-d] {
			proof.Siblings[d] = emptyHash[Depth-d-1]
			cur = emptyHash[Depth-d-1]
			continue
		}
		n, ok, err := t.store.GetNode(ctx, cur)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			proof.Siblings[d] = emptyHash[Depth-d-1]
			cur = emptyHash[Depth-d-1]
			continue
		}
		if bit(key, d) == 0 {
			proof.Siblings[d] = n.Right
			cur = n.Left
		} else {
			proof.Siblings[d] = n.Left
			cur = n.Right
		}
	}

	if cur == emptyHash[0] {
		return nil, &proof, nil
	}
	value, ok, err := t.store.GetValue(ctx, cur)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		// leaf hash present in the path but its preimage was never
		// recorded - shouldn't happen for values written via Insert.
		return nil, &proof, nil
	}
	return value, &proof, nil
}

// VerifyProof is a pure function usable by external verifiers: it takes no
// NodeStore and recomputes the root from key, value, and proof alone.
func VerifyProof(root [32]byte, key [32]byte, value []byte, proof *Proof) bool {
	if proof == nil {
		return false
	}
	node := HashLeaf(value)
	for d := Depth - 1; d >= 0; d-- {
		sib := proof.Siblings[d]
		var n Node
		if bit(key, d) == 0 {
			n = Node{Left: node, Right: sib}
		} else {
			n = Node{Left: sib, Right: node}
		}
		node = hashPair(n.Left, n.Right)
	}
	return subtle.ConstantTimeCompare(node[:], root[:]) == 1
}
