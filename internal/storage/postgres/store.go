package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/event"
	"github.com/timewave-computer/almanac/internal/storage"
)

// Store is the relational storage.Backend implementation.
type Store struct {
	c *client
}

// Open connects to Postgres, verifies the connection, and applies pending
// migrations forward-only (see migrations/*.sql).
func Open(ctx context.Context, cfg Config) (*Store, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.migrate(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return &Store{c: c}, nil
}

func (s *Store) sealed() {}

func (s *Store) Close() error {
	return s.c.Close()
}

func attrsToJSON(attrs []event.Attribute) ([]byte, error) {
	if attrs == nil {
		attrs = []event.Attribute{}
	}
	return json.Marshal(attrs)
}

func attrsFromJSON(b []byte) ([]event.Attribute, error) {
	var attrs []event.Attribute
	if len(b) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(b, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (s *Store) StoreEvent(ctx context.Context, chain string, ev *event.Event) error {
	tx, err := s.c.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Storage, "begin store_event tx", err)
	}
	defer tx.Rollback()

	attrs, err := attrsToJSON(ev.Attributes)
	if err != nil {
		return errs.New(errs.Parse, "marshal attributes", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (chain, id, block_number, block_hash, tx_hash, tx_index, log_index, event_ts, event_type, attributes, raw_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (chain, id) DO NOTHING`,
		chain, ev.ID, int64(ev.BlockNumber), ev.BlockHash, ev.TxHash, int64(ev.TxIndex), int64(ev.LogIndex),
		ev.Timestamp, ev.EventType, attrs, ev.RawData,
	); err != nil {
		return errs.New(errs.Storage, "insert event", err)
	}

	var canonicalExists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM blocks WHERE chain=$1 AND number=$2 AND canonical=true)`,
		chain, int64(ev.BlockNumber)).Scan(&canonicalExists); err != nil {
		return errs.New(errs.Storage, "check canonical block", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (chain, number, hash, status, canonical, first_seen)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (chain, number, hash) DO NOTHING`,
		chain, int64(ev.BlockNumber), ev.BlockHash, int(chainstate.Confirmed), !canonicalExists,
	); err != nil {
		return errs.New(errs.Storage, "upsert block record", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.New(errs.Storage, "commit store_event tx", err)
	}
	return nil
}

func (s *Store) GetEvents(ctx context.Context, chain string, from, to uint64, filter *storage.Filter) ([]*event.Event, error) {
	if from > to {
		return []*event.Event{}, nil
	}

	query := `
		SELECT e.id, e.block_number, e.block_hash, e.tx_hash, e.tx_index, e.log_index, e.event_ts, e.event_type, e.attributes, e.raw_data
		FROM events e
		JOIN blocks b ON b.chain = e.chain AND b.number = e.block_number AND b.hash = e.block_hash
		WHERE e.chain = $1 AND e.block_number BETWEEN $2 AND $3 AND b.canonical = true`
	args := []any{chain, int64(from), int64(to)}

	if filter != nil && len(filter.EventTypes) > 0 {
		types := make([]string, 0, len(filter.EventTypes))
		for t := range filter.EventTypes {
			types = append(types, t)
		}
		query += fmt.Sprintf(" AND e.event_type = ANY($%d)", len(args)+1)
		args = append(args, pq.Array(types))
	}
	query += " ORDER BY e.block_number, e.tx_index, e.log_index"

	rows, err := s.c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(errs.Storage, "query events", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows, chain)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Storage, "iterate events", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, chain string) (*event.Event, error) {
	var (
		id, blockHash, txHash, eventType string
		blockNumber, txIndex, logIndex   int64
		ts                               time.Time
		attrsRaw, rawData                []byte
	)
	if err := row.Scan(&id, &blockNumber, &blockHash, &txHash, &txIndex, &logIndex, &ts, &eventType, &attrsRaw, &rawData); err != nil {
		return nil, errs.New(errs.Storage, "scan event row", err)
	}
	attrs, err := attrsFromJSON(attrsRaw)
	if err != nil {
		return nil, errs.New(errs.Parse, "unmarshal attributes", err)
	}
	return &event.Event{
		ID: id, Chain: chain, BlockNumber: uint64(blockNumber), BlockHash: blockHash,
		TxHash: txHash, TxIndex: uint64(txIndex), LogIndex: uint64(logIndex),
		Timestamp: ts, EventType: eventType, Attributes: attrs, RawData: rawData,
	}, nil
}

func (s *Store) GetEventByID(ctx context.Context, chain, id string) (*event.Event, error) {
	var (
		blockHash, txHash, eventType    string
		blockNumber, txIndex, logIndex  int64
		ts                              time.Time
		attrsRaw, rawData               []byte
	)
	err := s.c.db.QueryRowContext(ctx, `
		SELECT block_number, block_hash, tx_hash, tx_index, log_index, event_ts, event_type, attributes, raw_data
		FROM events WHERE chain = $1 AND id = $2`, chain, id,
	).Scan(&blockNumber, &blockHash, &txHash, &txIndex, &logIndex, &ts, &eventType, &attrsRaw, &rawData)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("event %s/%s", chain, id), nil)
	}
	if err != nil {
		return nil, errs.New(errs.Storage, "query event by id", err)
	}
	attrs, err := attrsFromJSON(attrsRaw)
	if err != nil {
		return nil, errs.New(errs.Parse, "unmarshal attributes", err)
	}
	return &event.Event{
		ID: id, Chain: chain, BlockNumber: uint64(blockNumber), BlockHash: blockHash,
		TxHash: txHash, TxIndex: uint64(txIndex), LogIndex: uint64(logIndex),
		Timestamp: ts, EventType: eventType, Attributes: attrs, RawData: rawData,
	}, nil
}

func (s *Store) MarkBlockProcessed(ctx context.Context, chain string, number uint64, hash string, status chainstate.Status) error {
	tx, err := s.c.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Storage, "begin mark_block_processed tx", err)
	}
	defer tx.Rollback()

	var existingStatus sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT status FROM blocks WHERE chain=$1 AND number=$2 AND hash=$3`, chain, int64(number), hash).Scan(&existingStatus)
	switch {
	case err == sql.ErrNoRows:
		var canonicalExists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM blocks WHERE chain=$1 AND number=$2 AND canonical=true)`, chain, int64(number)).Scan(&canonicalExists); err != nil {
			return errs.New(errs.Storage, "check canonical block", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO blocks (chain, number, hash, status, canonical, first_seen) VALUES ($1,$2,$3,$4,$5,now())`,
			chain, int64(number), hash, int(status), !canonicalExists); err != nil {
			return errs.New(errs.Storage, "insert block record", err)
		}
	case err != nil:
		return errs.New(errs.Storage, "get block record", err)
	default:
		if int(status) < int(existingStatus.Int64) && chainstate.Status(existingStatus.Int64) != chainstate.Orphaned {
			return errs.New(errs.Invariant, fmt.Sprintf("status downgrade %s -> %s forbidden outside rollback", chainstate.Status(existingStatus.Int64), status), nil)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE blocks SET status=$1 WHERE chain=$2 AND number=$3 AND hash=$4`, int(status), chain, int64(number), hash); err != nil {
			return errs.New(errs.Storage, "update block status", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.New(errs.Storage, "commit mark_block_processed tx", err)
	}
	return nil
}

func (s *Store) UpdateBlockStatus(ctx context.Context, chain string, number uint64, status chainstate.Status) error {
	tx, err := s.c.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Storage, "begin update_block_status tx", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT status FROM blocks WHERE chain=$1 AND number=$2 AND canonical=true`, chain, int64(number)).Scan(&existing)
	if err == sql.ErrNoRows {
		return errs.New(errs.NotFound, fmt.Sprintf("no canonical block at %s height %d", chain, number), nil)
	}
	if err != nil {
		return errs.New(errs.Storage, "get canonical block status", err)
	}
	if int(status) < int(existing) {
		return errs.New(errs.Invariant, fmt.Sprintf("status downgrade %s -> %s forbidden outside rollback", chainstate.Status(existing), status), nil)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE blocks SET status=$1 WHERE chain=$2 AND number=$3 AND canonical=true`, int(status), chain, int64(number)); err != nil {
		return errs.New(errs.Storage, "update canonical block status", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Storage, "commit update_block_status tx", err)
	}
	return nil
}

func (s *Store) GetLatestBlock(ctx context.Context, chain string) (uint64, error) {
	var n sql.NullInt64
	if err := s.c.db.QueryRowContext(ctx, `SELECT MAX(number) FROM blocks WHERE chain=$1 AND canonical=true`, chain).Scan(&n); err != nil {
		return 0, errs.New(errs.Storage, "query latest block", err)
	}
	if !n.Valid {
		return 0, nil
	}
	return uint64(n.Int64), nil
}

func (s *Store) GetLatestBlockWithStatus(ctx context.Context, chain string, status chainstate.Status) (uint64, error) {
	var n sql.NullInt64
	if err := s.c.db.QueryRowContext(ctx, `SELECT MAX(number) FROM blocks WHERE chain=$1 AND canonical=true AND status>=$2`, chain, int(status)).Scan(&n); err != nil {
		return 0, errs.New(errs.Storage, "query latest block with status", err)
	}
	if !n.Valid {
		return 0, nil
	}
	return uint64(n.Int64), nil
}

func (s *Store) Rollback(ctx context.Context, chain string, forkHeight uint64, newCanonicalHash string) error {
	tx, err := s.c.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Storage, "begin rollback tx", err)
	}
	defer tx.Rollback()

	// Event rows above forkHeight are never deleted - only the canonical
	// flag on their block changes, which is what GetEvents filters on.
	if _, err := tx.ExecContext(ctx, `
		UPDATE blocks SET status=$1, canonical=false
		WHERE chain=$2 AND number > $3 AND canonical = true`,
		int(chainstate.Orphaned), chain, int64(forkHeight)); err != nil {
		return errs.New(errs.Storage, "orphan blocks above fork height", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE blocks SET canonical=false, status=$1 WHERE chain=$2 AND number=$3 AND hash <> $4`,
		int(chainstate.Orphaned), chain, int64(forkHeight), newCanonicalHash); err != nil {
		return errs.New(errs.Storage, "orphan fork-height siblings", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM blocks WHERE chain=$1 AND number=$2 AND hash=$3)`,
		chain, int64(forkHeight), newCanonicalHash).Scan(&exists); err != nil {
		return errs.New(errs.Storage, "check fork-point block", err)
	}
	if !exists {
		if _, err := tx.ExecContext(ctx, `INSERT INTO blocks (chain, number, hash, status, canonical, first_seen) VALUES ($1,$2,$3,$4,true,now())`,
			chain, int64(forkHeight), newCanonicalHash, int(chainstate.Confirmed)); err != nil {
			return errs.New(errs.Storage, "insert fork-point block", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE blocks SET canonical=true, status=(CASE WHEN status=$1 THEN $2 ELSE status END)
			WHERE chain=$3 AND number=$4 AND hash=$5`,
			int(chainstate.Orphaned), int(chainstate.Confirmed), chain, int64(forkHeight), newCanonicalHash); err != nil {
			return errs.New(errs.Storage, "promote fork-point block", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.New(errs.Storage, "commit rollback tx", err)
	}
	return nil
}

func (s *Store) GetCursor(ctx context.Context, chain string) (chainstate.Cursor, error) {
	var c chainstate.Cursor
	c.Chain = chain
	err := s.c.db.QueryRowContext(ctx, `
		SELECT last_processed_height, last_processed_hash, last_finalized_height, last_safe_height
		FROM chain_cursors WHERE chain=$1`, chain).
		Scan(&c.LastProcessedHeight, &c.LastProcessedHash, &c.LastFinalizedHeight, &c.LastSafeHeight)
	if err == sql.ErrNoRows {
		return chainstate.Cursor{Chain: chain}, nil
	}
	if err != nil {
		return chainstate.Cursor{}, errs.New(errs.Storage, "query cursor", err)
	}
	return c, nil
}

func (s *Store) PutCursor(ctx context.Context, cursor chainstate.Cursor) error {
	_, err := s.c.db.ExecContext(ctx, `
		INSERT INTO chain_cursors (chain, last_processed_height, last_processed_hash, last_finalized_height, last_safe_height)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (chain) DO UPDATE SET
			last_processed_height = EXCLUDED.last_processed_height,
			last_processed_hash = EXCLUDED.last_processed_hash,
			last_finalized_height = EXCLUDED.last_finalized_height,
			last_safe_height = EXCLUDED.last_safe_height`,
		cursor.Chain, int64(cursor.LastProcessedHeight), cursor.LastProcessedHash,
		int64(cursor.LastFinalizedHeight), int64(cursor.LastSafeHeight))
	if err != nil {
		return errs.New(errs.Storage, "upsert cursor", err)
	}
	return nil
}

func (s *Store) PutContractSchema(ctx context.Context, chain, address string, schema []byte) error {
	_, err := s.c.db.ExecContext(ctx, `
		INSERT INTO contract_schemas (chain, address, schema_data, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (chain, address) DO UPDATE SET schema_data = EXCLUDED.schema_data, updated_at = now()`,
		chain, address, schema)
	if err != nil {
		return errs.New(errs.Storage, "upsert contract schema", err)
	}
	return nil
}

func (s *Store) GetContractSchema(ctx context.Context, chain, address string) ([]byte, time.Time, error) {
	var data []byte
	var updatedAt time.Time
	err := s.c.db.QueryRowContext(ctx, `SELECT schema_data, updated_at FROM contract_schemas WHERE chain=$1 AND address=$2`, chain, address).
		Scan(&data, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, errs.New(errs.NotFound, fmt.Sprintf("contract schema %s/%s", chain, address), nil)
	}
	if err != nil {
		return nil, time.Time{}, errs.New(errs.Storage, "query contract schema", err)
	}
	return data, updatedAt, nil
}
