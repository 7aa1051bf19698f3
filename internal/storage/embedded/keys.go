package embedded

import "encoding/binary"

// Key layout, following the big-endian-height convention of
// pkg/ledger/store.go and the prefix table in spec.md §6. join separates
// every part with \x00, so each prefix below is also followed by \x00 in
// the stored key:
//
//	e/<chain>\x00<id>                                            -> json(Event)
//	b/<chain>\x00<beHeight>\x00<hash>                            -> json(BlockRecord)
//	cb/<chain>\x00<beHeight>                                     -> canonical hash at height
//	i/block/<chain>\x00<beHeight>\x00<hash>\x00<beTxIdx>\x00<beLogIdx>\x00<id> -> nil
//	i/tx/<chain>\x00<txHash>                                     -> json([]string eventIDs, ordered)
//	i/type/<chain>\x00<eventType>\x00<beHeight>\x00<beTxIdx>\x00<beLogIdx>\x00<id> -> nil
//	k/<chain>                                                    -> json(Cursor)
//	c/<key32>                                                    -> causality node (see internal/causality)
//	r/<tick>                                                     -> causality root (see internal/causality)

const (
	prefixEvent      = "e/"
	prefixBlock      = "b/"
	prefixCanonical  = "cb/"
	prefixByBlock    = "i/block/"
	prefixByTx       = "i/tx/"
	prefixByType     = "i/type/"
	prefixCursor     = "k/"
	prefixCausalNode = "c/"
	prefixCausalRoot = "r/"
)

func be64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func join(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p) + 1
	}
	out := make([]byte, 0, total)
	for i, p := range parts {
		if i > 0 {
			out = append(out, 0)
		}
		out = append(out, p...)
	}
	return out
}

func eventKey(chain, id string) []byte {
	return join([]byte(prefixEvent), []byte(chain), []byte(id))
}

func blockKey(chain string, height uint64, hash string) []byte {
	return join([]byte(prefixBlock), []byte(chain), be64(height), []byte(hash))
}

func blockPrefix(chain string, height uint64) []byte {
	return join([]byte(prefixBlock), []byte(chain), be64(height))
}

func canonicalKey(chain string, height uint64) []byte {
	return join([]byte(prefixCanonical), []byte(chain), be64(height))
}

func canonicalPrefix(chain string) []byte {
	return join([]byte(prefixCanonical), []byte(chain))
}

func byBlockKey(chain string, height uint64, hash string, txIndex, logIndex uint64, id string) []byte {
	return join([]byte(prefixByBlock), []byte(chain), be64(height), []byte(hash), be64(txIndex), be64(logIndex), []byte(id))
}

func byBlockPrefix(chain string, height uint64, hash string) []byte {
	return join([]byte(prefixByBlock), []byte(chain), be64(height), []byte(hash))
}

func byTxKey(chain, txHash string) []byte {
	return join([]byte(prefixByTx), []byte(chain), []byte(txHash))
}

func byTypeKey(chain, eventType string, height, txIndex, logIndex uint64, id string) []byte {
	return join([]byte(prefixByType), []byte(chain), []byte(eventType), be64(height), be64(txIndex), be64(logIndex), []byte(id))
}

func byTypePrefix(chain, eventType string) []byte {
	return join([]byte(prefixByType), []byte(chain), []byte(eventType))
}

func cursorKey(chain string) []byte {
	return join([]byte(prefixCursor), []byte(chain))
}

func causalNodeKey(hash [32]byte) []byte {
	return join([]byte(prefixCausalNode), hash[:])
}

func causalRootKey(tick int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(tick))
	return join([]byte(prefixCausalRoot), b)
}

func causalRootPrefix() []byte {
	return []byte(prefixCausalRoot)
}

// prefixUpperBound returns the smallest key greater than every key sharing
// prefix, for use as an exclusive iterator end.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff; unbounded
}
