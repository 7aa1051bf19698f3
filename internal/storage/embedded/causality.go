package embedded

import (
	"context"
	"encoding/json"

	"github.com/timewave-computer/almanac/internal/causality/smt"
	"github.com/timewave-computer/almanac/internal/errs"
)

// CausalityStore backs the causality package's smt.NodeStore and
// causality.RootStore interfaces with the same embedded KV store used for
// events and blocks, under the c/ (nodes and values) and r/ (roots)
// prefixes documented in keys.go.
type CausalityStore struct {
	s *Store
}

// NewCausalityStore wraps an already-open embedded Store.
func NewCausalityStore(s *Store) *CausalityStore {
	return &CausalityStore{s: s}
}

type causalNodeRow struct {
	IsValue bool     `json:"is_value,omitempty"`
	Left    [32]byte `json:"left,omitempty"`
	Right   [32]byte `json:"right,omitempty"`
	Value   []byte   `json:"value,omitempty"`
}

func (c *CausalityStore) GetNode(_ context.Context, hash [32]byte) (smt.Node, bool, error) {
	raw, err := c.s.db.Get(causalNodeKey(hash))
	if err != nil {
		return smt.Node{}, false, errs.New(errs.Storage, "get causality node", err)
	}
	if raw == nil {
		return smt.Node{}, false, nil
	}
	var row causalNodeRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return smt.Node{}, false, errs.New(errs.Parse, "unmarshal causality node", err)
	}
	if row.IsValue {
		return smt.Node{}, false, nil
	}
	return smt.Node{Left: row.Left, Right: row.Right}, true, nil
}

func (c *CausalityStore) PutNode(_ context.Context, hash [32]byte, n smt.Node) error {
	raw, err := json.Marshal(causalNodeRow{Left: n.Left, Right: n.Right})
	if err != nil {
		return errs.New(errs.Parse, "marshal causality node", err)
	}
	if err := c.s.db.SetSync(causalNodeKey(hash), raw); err != nil {
		return errs.New(errs.Storage, "put causality node", err)
	}
	return nil
}

func (c *CausalityStore) GetValue(_ context.Context, hash [32]byte) ([]byte, bool, error) {
	raw, err := c.s.db.Get(causalNodeKey(hash))
	if err != nil {
		return nil, false, errs.New(errs.Storage, "get causality value", err)
	}
	if raw == nil {
		return nil, false, nil
	}
	var row causalNodeRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, false, errs.New(errs.Parse, "unmarshal causality value", err)
	}
	if !row.IsValue {
		return nil, false, nil
	}
	return row.Value, true, nil
}

func (c *CausalityStore) PutValue(_ context.Context, hash [32]byte, value []byte) error {
	raw, err := json.Marshal(causalNodeRow{IsValue: true, Value: value})
	if err != nil {
		return errs.New(errs.Parse, "marshal causality value", err)
	}
	if err := c.s.db.SetSync(causalNodeKey(hash), raw); err != nil {
		return errs.New(errs.Storage, "put causality value", err)
	}
	return nil
}

func (c *CausalityStore) PutRoot(_ context.Context, tick int64, root [32]byte) error {
	if err := c.s.db.SetSync(causalRootKey(tick), root[:]); err != nil {
		return errs.New(errs.Storage, "put causality root", err)
	}
	return nil
}

func (c *CausalityStore) GetRoot(_ context.Context, tick int64) ([32]byte, bool, error) {
	raw, err := c.s.db.Get(causalRootKey(tick))
	if err != nil {
		return [32]byte{}, false, errs.New(errs.Storage, "get causality root", err)
	}
	if raw == nil {
		return [32]byte{}, false, nil
	}
	var root [32]byte
	copy(root[:], raw)
	return root, true, nil
}

// LatestRoot scans the r/ prefix in reverse to find the most recently
// recorded root, used to resume a causality tree after a restart.
func (c *CausalityStore) LatestRoot(_ context.Context) ([32]byte, bool, error) {
	it, err := c.s.db.ReverseIterator(causalRootPrefix(), prefixUpperBound(causalRootPrefix()))
	if err != nil {
		return [32]byte{}, false, errs.New(errs.Storage, "scan causality roots", err)
	}
	defer it.Close()
	if !it.Valid() {
		return [32]byte{}, false, nil
	}
	var root [32]byte
	copy(root[:], it.Value())
	return root, true, nil
}
