package postgres

import (
	"context"
	"database/sql"

	"github.com/timewave-computer/almanac/internal/causality/smt"
	"github.com/timewave-computer/almanac/internal/errs"
)

// CausalityStore backs the causality package's smt.NodeStore and
// causality.RootStore interfaces against the causality_nodes and
// causality_roots tables in migrations/0001_init.sql. Internal nodes and
// leaf values share causality_nodes, distinguished by a leading type byte
// in value so a single key space (content-addressed by hash) serves both.
type CausalityStore struct {
	db *sql.DB
}

// NewCausalityStore wraps an already-open Store's connection pool.
func NewCausalityStore(s *Store) *CausalityStore {
	return &CausalityStore{db: s.c.db}
}

const (
	causalityKindNode  byte = 0
	causalityKindValue byte = 1
)

func (c *CausalityStore) GetNode(ctx context.Context, hash [32]byte) (smt.Node, bool, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, `SELECT value FROM causality_nodes WHERE key32 = $1`, hash[:]).Scan(&raw)
	if err == sql.ErrNoRows {
		return smt.Node{}, false, nil
	}
	if err != nil {
		return smt.Node{}, false, errs.New(errs.Storage, "get causality node", err)
	}
	if len(raw) != 65 || raw[0] != causalityKindNode {
		return smt.Node{}, false, nil
	}
	var n smt.Node
	copy(n.Left[:], raw[1:33])
	copy(n.Right[:], raw[33:65])
	return n, true, nil
}

func (c *CausalityStore) PutNode(ctx context.Context, hash [32]byte, n smt.Node) error {
	raw := make([]byte, 0, 65)
	raw = append(raw, causalityKindNode)
	raw = append(raw, n.Left[:]...)
	raw = append(raw, n.Right[:]...)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO causality_nodes (key32, value) VALUES ($1,$2)
		ON CONFLICT (key32) DO NOTHING`, hash[:], raw)
	if err != nil {
		return errs.New(errs.Storage, "put causality node", err)
	}
	return nil
}

func (c *CausalityStore) GetValue(ctx context.Context, hash [32]byte) ([]byte, bool, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, `SELECT value FROM causality_nodes WHERE key32 = $1`, hash[:]).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.New(errs.Storage, "get causality value", err)
	}
	if len(raw) < 1 || raw[0] != causalityKindValue {
		return nil, false, nil
	}
	return raw[1:], true, nil
}

func (c *CausalityStore) PutValue(ctx context.Context, hash [32]byte, value []byte) error {
	raw := make([]byte, 0, len(value)+1)
	raw = append(raw, causalityKindValue)
	raw = append(raw, value...)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO causality_nodes (key32, value) VALUES ($1,$2)
		ON CONFLICT (key32) DO NOTHING`, hash[:], raw)
	if err != nil {
		return errs.New(errs.Storage, "put causality value", err)
	}
	return nil
}

func (c *CausalityStore) PutRoot(ctx context.Context, tick int64, root [32]byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO causality_roots (tick, root) VALUES ($1,$2)
		ON CONFLICT (tick) DO UPDATE SET root = EXCLUDED.root`, tick, root[:])
	if err != nil {
		return errs.New(errs.Storage, "put causality root", err)
	}
	return nil
}

func (c *CausalityStore) GetRoot(ctx context.Context, tick int64) ([32]byte, bool, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, `SELECT root FROM causality_roots WHERE tick = $1`, tick).Scan(&raw)
	if err == sql.ErrNoRows {
		return [32]byte{}, false, nil
	}
	if err != nil {
		return [32]byte{}, false, errs.New(errs.Storage, "get causality root", err)
	}
	var root [32]byte
	copy(root[:], raw)
	return root, true, nil
}

// LatestRoot returns the root recorded at the highest tick, used to resume
// a causality tree after a restart.
func (c *CausalityStore) LatestRoot(ctx context.Context) ([32]byte, bool, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, `SELECT root FROM causality_roots ORDER BY tick DESC LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return [32]byte{}, false, nil
	}
	if err != nil {
		return [32]byte{}, false, errs.New(errs.Storage, "get latest causality root", err)
	}
	var root [32]byte
	copy(root[:], raw)
	return root, true, nil
}
