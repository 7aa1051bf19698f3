// Package chainstate defines the block-status finality lattice and the
// per-(chain,height,hash) and per-chain cursor records the storage engine
// and coordinator operate on.
package chainstate

import "time"

// Status is the finality classification of a block. The zero value is not
// a valid status; use Confirmed as the initial value on first sight.
type Status int

const (
	Confirmed Status = iota + 1
	Safe
	Justified
	Finalized

	// Orphaned is not part of the public finality lattice (it is not
	// comparable via >= to the other levels); it marks a BlockRecord as
	// tombstoned after a reorg or a losing fork.
	Orphaned
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Safe:
		return "safe"
	case Justified:
		return "justified"
	case Finalized:
		return "finalized"
	case Orphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// GE reports whether s is at least other in the Confirmed < Safe <
// Justified < Finalized total order. Orphaned is never >= anything and
// nothing is ever >= Orphaned through this comparison - callers must check
// Orphaned explicitly before comparing finality levels.
func (s Status) GE(other Status) bool {
	if s == Orphaned || other == Orphaned {
		return false
	}
	return s >= other
}

// BlockRecord is keyed by (Chain, Number, Hash). Invariant: at any moment at
// most one BlockRecord per (Chain, Number) has Status >= Safe; the others
// are tombstoned as Orphaned. Canonical means "the unique non-orphaned
// record at this height" and is tracked explicitly rather than derived,
// since a record can be Confirmed-and-canonical before any promotion.
type BlockRecord struct {
	Chain      string
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  time.Time
	Status     Status
	Canonical  bool
	FirstSeen  time.Time
}

// Cursor tracks per-chain ingest progress. LastProcessedHeight may step
// backward only through a rollback, to the fork point.
type Cursor struct {
	Chain               string
	LastProcessedHeight uint64
	LastProcessedHash   string
	LastFinalizedHeight uint64
	LastSafeHeight      uint64
}
