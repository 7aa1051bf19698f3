// Package embedded implements the single-node storage backend on top of
// CometBFT's embedded ordered key-value store (github.com/cometbft/cometbft-db),
// the same dependency the validator this project was adapted from uses for
// its own ledger persistence (see pkg/kvdb.KVAdapter / pkg/ledger.LedgerStore
// in the source this package generalizes). Keys are laid out with
// big-endian numeric suffixes so range scans return entries in ascending
// order without an extra sort step.
package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/event"
	"github.com/timewave-computer/almanac/internal/storage"
)

// Store is the embedded KV-backed storage.Backend. It is safe for
// concurrent use; writes for a given chain are additionally serialized via
// a per-chain mutex so that Rollback cannot interleave with a concurrent
// StoreEvent for that same chain even if callers do not already serialize
// through a single coordinator goroutine.
type Store struct {
	db dbm.DB

	mu          sync.Mutex
	chainLocks  map[string]*sync.Mutex
}

// Open opens (or creates) a GoLevelDB-backed embedded store at dir/name.
func Open(name, dir string) (*Store, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, errs.New(errs.Storage, "open embedded store", err)
	}
	return newStore(db), nil
}

// OpenMem opens an in-memory embedded store, primarily for tests.
func OpenMem() *Store {
	return newStore(dbm.NewMemDB())
}

func newStore(db dbm.DB) *Store {
	return &Store{db: db, chainLocks: make(map[string]*sync.Mutex)}
}

func (s *Store) sealed() {}

func (s *Store) lockFor(chain string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.chainLocks[chain]
	if !ok {
		l = &sync.Mutex{}
		s.chainLocks[chain] = l
	}
	return l
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.New(errs.Storage, "close embedded store", err)
	}
	return nil
}

// ---- event/block serialization ----

func marshalEvent(ev *event.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func unmarshalEvent(b []byte) (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func marshalBlock(br *chainstate.BlockRecord) ([]byte, error) {
	return json.Marshal(br)
}

func unmarshalBlock(b []byte) (*chainstate.BlockRecord, error) {
	var br chainstate.BlockRecord
	if err := json.Unmarshal(b, &br); err != nil {
		return nil, err
	}
	return &br, nil
}

// ---- StoreEvent ----

func (s *Store) StoreEvent(ctx context.Context, chain string, ev *event.Event) error {
	lock := s.lockFor(chain)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.db.Get(eventKey(chain, ev.ID))
	if err != nil {
		return errs.New(errs.Storage, "get existing event", err)
	}
	if existing != nil {
		// Idempotent: the row is already present. We still fall through to
		// ensure the BlockRecord/indexes exist (e.g. a crash between the
		// event write and the index write), but we never duplicate index
		// entries since the keys below are deterministic and re-Set is a
		// no-op for an unchanged value.
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	eb, err := marshalEvent(ev)
	if err != nil {
		return errs.New(errs.Parse, "marshal event", err)
	}
	if err := batch.Set(eventKey(chain, ev.ID), eb); err != nil {
		return errs.New(errs.Storage, "stage event write", err)
	}

	if err := s.upsertBlockLocked(batch, chain, ev.BlockNumber, ev.BlockHash, "", time.Time{}, chainstate.Confirmed, false); err != nil {
		return err
	}

	if err := batch.Set(byBlockKey(chain, ev.BlockNumber, ev.BlockHash, ev.TxIndex, ev.LogIndex, ev.ID), []byte{1}); err != nil {
		return errs.New(errs.Storage, "stage by_block index", err)
	}
	if err := batch.Set(byTypeKey(chain, ev.EventType, ev.BlockNumber, ev.TxIndex, ev.LogIndex, ev.ID), []byte{1}); err != nil {
		return errs.New(errs.Storage, "stage by_type index", err)
	}
	if err := s.appendByTxLocked(batch, chain, ev.TxHash, ev.ID); err != nil {
		return err
	}

	if err := batch.WriteSync(); err != nil {
		return errs.New(errs.Storage, "commit store_event batch", err)
	}
	return nil
}

// upsertBlockLocked creates the BlockRecord at (chain, number, hash) with
// status Confirmed if absent. If makeCanonical is true the new record is
// marked canonical outright; otherwise a first-seen
// record at a brand new height is canonical by default only when no other
// canonical record exists yet at that height.
func (s *Store) upsertBlockLocked(batch dbm.Batch, chain string, number uint64, hash string, parentHash string, ts time.Time, status chainstate.Status, makeCanonical bool) error {
	key := blockKey(chain, number, hash)
	raw, err := s.db.Get(key)
	if err != nil {
		return errs.New(errs.Storage, "get block record", err)
	}
	if raw != nil {
		return nil // already present; StoreEvent/MarkBlockProcessed upgrade status separately
	}

	canonHash, err := s.db.Get(canonicalKey(chain, number))
	if err != nil {
		return errs.New(errs.Storage, "get canonical pointer", err)
	}
	canonical := makeCanonical || canonHash == nil

	br := &chainstate.BlockRecord{
		Chain:      chain,
		Number:     number,
		Hash:       hash,
		ParentHash: parentHash,
		Timestamp:  ts,
		Status:     status,
		Canonical:  canonical,
		FirstSeen:  ts,
	}
	bb, err := marshalBlock(br)
	if err != nil {
		return errs.New(errs.Parse, "marshal block record", err)
	}
	if err := batch.Set(key, bb); err != nil {
		return errs.New(errs.Storage, "stage block record", err)
	}
	if canonical {
		if err := batch.Set(canonicalKey(chain, number), []byte(hash)); err != nil {
			return errs.New(errs.Storage, "stage canonical pointer", err)
		}
	}
	return nil
}

func (s *Store) appendByTxLocked(batch dbm.Batch, chain, txHash, id string) error {
	key := byTxKey(chain, txHash)
	raw, err := s.db.Get(key)
	if err != nil {
		return errs.New(errs.Storage, "get by_tx index", err)
	}
	var ids []string
	if raw != nil {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return errs.New(errs.Parse, "unmarshal by_tx index", err)
		}
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	b, err := json.Marshal(ids)
	if err != nil {
		return errs.New(errs.Parse, "marshal by_tx index", err)
	}
	if err := batch.Set(key, b); err != nil {
		return errs.New(errs.Storage, "stage by_tx index", err)
	}
	return nil
}

// ---- MarkBlockProcessed / UpdateBlockStatus ----

func (s *Store) MarkBlockProcessed(ctx context.Context, chain string, number uint64, hash string, status chainstate.Status) error {
	lock := s.lockFor(chain)
	lock.Lock()
	defer lock.Unlock()

	key := blockKey(chain, number, hash)
	raw, err := s.db.Get(key)
	if err != nil {
		return errs.New(errs.Storage, "get block record", err)
	}
	var br *chainstate.BlockRecord
	if raw == nil {
		canonHash, err := s.db.Get(canonicalKey(chain, number))
		if err != nil {
			return errs.New(errs.Storage, "get canonical pointer", err)
		}
		br = &chainstate.BlockRecord{
			Chain: chain, Number: number, Hash: hash,
			Status: status, Canonical: canonHash == nil, FirstSeen: time.Now().UTC(),
		}
	} else {
		br, err = unmarshalBlock(raw)
		if err != nil {
			return errs.New(errs.Parse, "unmarshal block record", err)
		}
		if status < br.Status && br.Status != chainstate.Orphaned {
			return errs.New(errs.Invariant, fmt.Sprintf("status downgrade %s -> %s forbidden outside rollback", br.Status, status), nil)
		}
		br.Status = status
	}

	bb, err := marshalBlock(br)
	if err != nil {
		return errs.New(errs.Parse, "marshal block record", err)
	}
	if err := s.db.SetSync(key, bb); err != nil {
		return errs.New(errs.Storage, "write block record", err)
	}
	if br.Canonical {
		if err := s.db.SetSync(canonicalKey(chain, number), []byte(hash)); err != nil {
			return errs.New(errs.Storage, "write canonical pointer", err)
		}
	}
	return nil
}

func (s *Store) UpdateBlockStatus(ctx context.Context, chain string, number uint64, status chainstate.Status) error {
	lock := s.lockFor(chain)
	lock.Lock()
	defer lock.Unlock()

	hash, err := s.db.Get(canonicalKey(chain, number))
	if err != nil {
		return errs.New(errs.Storage, "get canonical pointer", err)
	}
	if hash == nil {
		return errs.New(errs.NotFound, fmt.Sprintf("no canonical block at %s height %d", chain, number), nil)
	}
	key := blockKey(chain, number, string(hash))
	raw, err := s.db.Get(key)
	if err != nil {
		return errs.New(errs.Storage, "get block record", err)
	}
	if raw == nil {
		return errs.New(errs.Invariant, "canonical pointer references missing block record", nil)
	}
	br, err := unmarshalBlock(raw)
	if err != nil {
		return errs.New(errs.Parse, "unmarshal block record", err)
	}
	if status < br.Status {
		return errs.New(errs.Invariant, fmt.Sprintf("status downgrade %s -> %s forbidden outside rollback", br.Status, status), nil)
	}
	br.Status = status
	bb, err := marshalBlock(br)
	if err != nil {
		return errs.New(errs.Parse, "marshal block record", err)
	}
	return wrapStorageErr(s.db.SetSync(key, bb), "write block record")
}

func wrapStorageErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errs.New(errs.Storage, msg, err)
}

// ---- GetEvents / GetEventByID ----

func (s *Store) GetEvents(ctx context.Context, chain string, from, to uint64, filter *storage.Filter) ([]*event.Event, error) {
	if from > to {
		return []*event.Event{}, nil
	}
	var out []*event.Event
	for h := from; h <= to; h++ {
		hash, err := s.db.Get(canonicalKey(chain, h))
		if err != nil {
			return nil, errs.New(errs.Storage, "get canonical pointer", err)
		}
		if hash == nil {
			continue
		}
		events, err := s.eventsForBlock(chain, h, string(hash), filter)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
		if h == to {
			break // avoid uint64 wraparound when to == math.MaxUint64
		}
	}
	return out, nil
}

func (s *Store) eventsForBlock(chain string, height uint64, hash string, filter *storage.Filter) ([]*event.Event, error) {
	prefix := byBlockPrefix(chain, height, hash)
	end := prefixUpperBound(prefix)
	it, err := s.db.Iterator(prefix, end)
	if err != nil {
		return nil, errs.New(errs.Storage, "open by_block iterator", err)
	}
	defer it.Close()

	var out []*event.Event
	for ; it.Valid(); it.Next() {
		id := lastSegment(it.Key())
		ev, err := s.getEventRaw(chain, id)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		if filter.Matches(ev.EventType) {
			out = append(out, ev)
		}
	}
	if err := it.Error(); err != nil {
		return nil, errs.New(errs.Storage, "iterate by_block index", err)
	}
	return out, nil
}

func lastSegment(key []byte) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == 0 {
			return string(key[i+1:])
		}
	}
	return string(key)
}

func (s *Store) getEventRaw(chain, id string) (*event.Event, error) {
	raw, err := s.db.Get(eventKey(chain, id))
	if err != nil {
		return nil, errs.New(errs.Storage, "get event", err)
	}
	if raw == nil {
		return nil, nil
	}
	ev, err := unmarshalEvent(raw)
	if err != nil {
		return nil, errs.New(errs.Parse, "unmarshal event", err)
	}
	return ev, nil
}

func (s *Store) GetEventByID(ctx context.Context, chain, id string) (*event.Event, error) {
	ev, err := s.getEventRaw(chain, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("event %s/%s", chain, id), nil)
	}
	return ev, nil
}

// ---- GetLatestBlock / GetLatestBlockWithStatus ----

func (s *Store) GetLatestBlock(ctx context.Context, chain string) (uint64, error) {
	return s.latestWithPredicate(chain, func(*chainstate.BlockRecord) bool { return true })
}

func (s *Store) GetLatestBlockWithStatus(ctx context.Context, chain string, status chainstate.Status) (uint64, error) {
	return s.latestWithPredicate(chain, func(br *chainstate.BlockRecord) bool { return br.Status.GE(status) })
}

func (s *Store) latestWithPredicate(chain string, pred func(*chainstate.BlockRecord) bool) (uint64, error) {
	prefix := canonicalPrefix(chain)
	end := prefixUpperBound(prefix)
	it, err := s.db.ReverseIterator(prefix, end)
	if err != nil {
		return 0, errs.New(errs.Storage, "open canonical reverse iterator", err)
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		height := be64ToUint(it.Key()[len(prefix)+1:])
		hash := string(it.Value())
		raw, err := s.db.Get(blockKey(chain, height, hash))
		if err != nil {
			return 0, errs.New(errs.Storage, "get block record", err)
		}
		if raw == nil {
			continue
		}
		br, err := unmarshalBlock(raw)
		if err != nil {
			return 0, errs.New(errs.Parse, "unmarshal block record", err)
		}
		if pred(br) {
			return height, nil
		}
	}
	if err := it.Error(); err != nil {
		return 0, errs.New(errs.Storage, "iterate canonical index", err)
	}
	return 0, nil
}

func be64ToUint(b []byte) uint64 {
	var n uint64
	for _, x := range b {
		n = n<<8 | uint64(x)
	}
	return n
}

// ---- Rollback ----

func (s *Store) Rollback(ctx context.Context, chain string, forkHeight uint64, newCanonicalHash string) error {
	lock := s.lockFor(chain)
	lock.Lock()
	defer lock.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	orphanedHeights, err := s.collectOrphanCandidates(chain, forkHeight)
	if err != nil {
		return err
	}
	for _, h := range orphanedHeights {
		if err := s.orphanHeightLocked(batch, chain, h); err != nil {
			return err
		}
	}

	if err := s.promoteForkHeightLocked(batch, chain, forkHeight, newCanonicalHash); err != nil {
		return err
	}

	if err := batch.WriteSync(); err != nil {
		return errs.New(errs.Storage, "commit rollback batch", err)
	}
	return nil
}

func (s *Store) collectOrphanCandidates(chain string, forkHeight uint64) ([]uint64, error) {
	prefix := canonicalPrefix(chain)
	end := prefixUpperBound(prefix)
	it, err := s.db.Iterator(prefix, end)
	if err != nil {
		return nil, errs.New(errs.Storage, "open canonical iterator", err)
	}
	defer it.Close()

	var heights []uint64
	for ; it.Valid(); it.Next() {
		h := be64ToUint(it.Key()[len(prefix)+1:])
		if h > forkHeight {
			heights = append(heights, h)
		}
	}
	if err := it.Error(); err != nil {
		return nil, errs.New(errs.Storage, "iterate canonical index", err)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights, nil
}

func (s *Store) orphanHeightLocked(batch dbm.Batch, chain string, height uint64) error {
	prefix := blockPrefix(chain, height)
	end := prefixUpperBound(prefix)
	it, err := s.db.Iterator(prefix, end)
	if err != nil {
		return errs.New(errs.Storage, "open block iterator", err)
	}
	defer it.Close()

	var records []*chainstate.BlockRecord
	for ; it.Valid(); it.Next() {
		br, err := unmarshalBlock(it.Value())
		if err != nil {
			return errs.New(errs.Parse, "unmarshal block record", err)
		}
		records = append(records, br)
	}
	if err := it.Error(); err != nil {
		return errs.New(errs.Storage, "iterate block index", err)
	}

	for _, br := range records {
		if br.Canonical {
			if err := s.removeBlockEventIndexesLocked(batch, chain, height, br.Hash); err != nil {
				return err
			}
		}
		br.Status = chainstate.Orphaned
		br.Canonical = false
		bb, err := marshalBlock(br)
		if err != nil {
			return errs.New(errs.Parse, "marshal block record", err)
		}
		if err := batch.Set(blockKey(chain, height, br.Hash), bb); err != nil {
			return errs.New(errs.Storage, "stage orphan block record", err)
		}
	}
	if err := batch.Delete(canonicalKey(chain, height)); err != nil {
		return errs.New(errs.Storage, "stage delete canonical pointer", err)
	}
	return nil
}

// removeBlockEventIndexesLocked deletes the by_block and by_type index
// entries for every event admitted under (chain, height, hash). The event
// rows themselves are retained, addressable by id.
func (s *Store) removeBlockEventIndexesLocked(batch dbm.Batch, chain string, height uint64, hash string) error {
	prefix := byBlockPrefix(chain, height, hash)
	end := prefixUpperBound(prefix)
	it, err := s.db.Iterator(prefix, end)
	if err != nil {
		return errs.New(errs.Storage, "open by_block iterator", err)
	}
	defer it.Close()

	var keysToDelete [][]byte
	var ids []string
	for ; it.Valid(); it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		keysToDelete = append(keysToDelete, k)
		ids = append(ids, lastSegment(k))
	}
	if err := it.Error(); err != nil {
		return errs.New(errs.Storage, "iterate by_block index", err)
	}
	for _, k := range keysToDelete {
		if err := batch.Delete(k); err != nil {
			return errs.New(errs.Storage, "stage delete by_block index", err)
		}
	}

	for _, id := range ids {
		ev, err := s.getEventRaw(chain, id)
		if err != nil {
			return err
		}
		if ev == nil {
			continue
		}
		if err := batch.Delete(byTypeKey(chain, ev.EventType, height, ev.TxIndex, ev.LogIndex, id)); err != nil {
			return errs.New(errs.Storage, "stage delete by_type index", err)
		}
		if err := s.removeFromByTxLocked(batch, chain, ev.TxHash, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) removeFromByTxLocked(batch dbm.Batch, chain, txHash, id string) error {
	key := byTxKey(chain, txHash)
	raw, err := s.db.Get(key)
	if err != nil {
		return errs.New(errs.Storage, "get by_tx index", err)
	}
	if raw == nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return errs.New(errs.Parse, "unmarshal by_tx index", err)
	}
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == 0 {
		return batch.Delete(key)
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		return errs.New(errs.Parse, "marshal by_tx index", err)
	}
	return wrapBatchErr(batch.Set(key, b))
}

func wrapBatchErr(err error) error {
	if err == nil {
		return nil
	}
	return errs.New(errs.Storage, "stage by_tx index update", err)
}

func (s *Store) promoteForkHeightLocked(batch dbm.Batch, chain string, forkHeight uint64, newCanonicalHash string) error {
	key := blockKey(chain, forkHeight, newCanonicalHash)
	raw, err := s.db.Get(key)
	if err != nil {
		return errs.New(errs.Storage, "get fork-point block record", err)
	}

	prefix := blockPrefix(chain, forkHeight)
	end := prefixUpperBound(prefix)
	it, err := s.db.Iterator(prefix, end)
	if err != nil {
		return errs.New(errs.Storage, "open block iterator", err)
	}
	var siblings []*chainstate.BlockRecord
	for ; it.Valid(); it.Next() {
		br, err := unmarshalBlock(it.Value())
		if err != nil {
			it.Close()
			return errs.New(errs.Parse, "unmarshal block record", err)
		}
		if br.Hash != newCanonicalHash {
			siblings = append(siblings, br)
		}
	}
	iterErr := it.Error()
	it.Close()
	if iterErr != nil {
		return errs.New(errs.Storage, "iterate block index", iterErr)
	}

	var br *chainstate.BlockRecord
	if raw == nil {
		br = &chainstate.BlockRecord{
			Chain: chain, Number: forkHeight, Hash: newCanonicalHash,
			Status: chainstate.Confirmed, Canonical: true, FirstSeen: time.Now().UTC(),
		}
	} else {
		br, err = unmarshalBlock(raw)
		if err != nil {
			return errs.New(errs.Parse, "unmarshal block record", err)
		}
		br.Canonical = true
		if br.Status == chainstate.Orphaned {
			br.Status = chainstate.Confirmed
		}
	}
	bb, err := marshalBlock(br)
	if err != nil {
		return errs.New(errs.Parse, "marshal block record", err)
	}
	if err := batch.Set(key, bb); err != nil {
		return errs.New(errs.Storage, "stage fork-point block record", err)
	}
	if err := batch.Set(canonicalKey(chain, forkHeight), []byte(newCanonicalHash)); err != nil {
		return errs.New(errs.Storage, "stage canonical pointer", err)
	}

	for _, sib := range siblings {
		sib.Canonical = false
		sib.Status = chainstate.Orphaned
		sb, err := marshalBlock(sib)
		if err != nil {
			return errs.New(errs.Parse, "marshal sibling block record", err)
		}
		if err := batch.Set(blockKey(chain, forkHeight, sib.Hash), sb); err != nil {
			return errs.New(errs.Storage, "stage sibling block record", err)
		}
	}
	return nil
}

// ---- cursor ----

func (s *Store) GetCursor(ctx context.Context, chain string) (chainstate.Cursor, error) {
	raw, err := s.db.Get(cursorKey(chain))
	if err != nil {
		return chainstate.Cursor{}, errs.New(errs.Storage, "get cursor", err)
	}
	if raw == nil {
		return chainstate.Cursor{Chain: chain}, nil
	}
	var c chainstate.Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return chainstate.Cursor{}, errs.New(errs.Parse, "unmarshal cursor", err)
	}
	return c, nil
}

func (s *Store) PutCursor(ctx context.Context, cursor chainstate.Cursor) error {
	b, err := json.Marshal(cursor)
	if err != nil {
		return errs.New(errs.Parse, "marshal cursor", err)
	}
	return wrapStorageErr(s.db.SetSync(cursorKey(cursor.Chain), b), "write cursor")
}

// ---- contract schemas (no-op on the embedded backend, per spec.md §9) ----

func (s *Store) PutContractSchema(ctx context.Context, chain, address string, schema []byte) error {
	return nil
}

func (s *Store) GetContractSchema(ctx context.Context, chain, address string) ([]byte, time.Time, error) {
	return nil, time.Time{}, errs.New(errs.NotFound, "contract schemas are not stored by the embedded backend", nil)
}
