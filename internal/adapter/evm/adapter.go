// Package evm implements the EVM-family chain adapter on go-ethereum,
// generalizing pkg/anchor.EventWatcher's poll loop (Start/Stop, ticker-driven
// FilterLogs with a bounded block range, retry-then-give-up log fetch) from
// a single contract's event stream into a chain-wide block+log adapter with
// reorg detection.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/timewave-computer/almanac/internal/adapter"
	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/event"
	"github.com/timewave-computer/almanac/internal/obslog"
	"github.com/timewave-computer/almanac/internal/retry"
)

// maxBlockRange caps how many heights past fromBlock a single poll walks,
// following the Alchemy free-tier limit respected by
// pkg/anchor.EventWatcher.pollEvents. Logs are fetched with one
// single-block eth_getLogs call per height.
const maxBlockRange = uint64(1000)

// recentWindow bounds how many (height, hash) pairs the adapter keeps to
// detect reorgs locally; a fork deeper than this surfaces as Invariant
// rather than being silently walked past.
const recentWindow = 256

// Config configures one EVM chain connection.
type Config struct {
	Chain          string
	RPCURL         string
	Contracts      []common.Address // empty means "all logs"
	PollInterval   time.Duration
	ConfirmBlocks  uint64 // blocks behind head treated as Safe; also the max tolerated reorg depth (confirmation_depth)
	FinalizeBlocks uint64 // blocks behind head treated as Finalized
	StartHeight    uint64
}

// Adapter polls an EVM JSON-RPC endpoint for new heads and logs.
type Adapter struct {
	cfg    Config
	client *ethclient.Client
	logger *obslog.Logger

	mu      sync.Mutex
	recent  map[uint64]string // height -> hash, bounded to recentWindow
	lowest  uint64
	highest uint64

	healthMu       sync.Mutex
	consecutiveErr int
	health         adapter.Health
}

// Dial connects to an EVM JSON-RPC endpoint. The URL scheme selects
// transport: http(s):// for plain RPC, ws(s):// for a persistent
// connection go-ethereum multiplexes eth_subscribe over.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errs.New(errs.Unavailable, fmt.Sprintf("dial evm rpc %s", cfg.Chain), err)
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		logger: obslog.New("adapter/evm/" + cfg.Chain),
		recent: make(map[uint64]string),
		health: adapter.HealthHealthy,
	}, nil
}

func (a *Adapter) Chain() string { return a.cfg.Chain }

func (a *Adapter) Health() adapter.Health {
	a.healthMu.Lock()
	defer a.healthMu.Unlock()
	return a.health
}

func (a *Adapter) recordFailure(attempt int, err error) {
	a.logger.Warnf("rpc call failed (attempt %d): %v", attempt, err)
	a.healthMu.Lock()
	defer a.healthMu.Unlock()
	a.consecutiveErr++
	if a.consecutiveErr >= retry.UnhealthyAfter {
		a.health = adapter.HealthUnhealthy
	}
}

func (a *Adapter) recordSuccess() {
	a.healthMu.Lock()
	defer a.healthMu.Unlock()
	a.consecutiveErr = 0
	a.health = adapter.HealthHealthy
}

// Start polls for new blocks and logs until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context, out chan<- adapter.AdapterEvent) error {
	fromBlock := a.cfg.StartHeight

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next, err := a.poll(ctx, fromBlock, out)
			if err != nil {
				if errs.Is(err, errs.Invariant) {
					a.logger.Errorf("fatal: %v", err)
					return err
				}
				a.logger.Errorf("poll failed: %v", err)
				continue
			}
			fromBlock = next
		}
	}
}

// poll fetches headers and logs for [fromBlock, min(head,
// fromBlock+maxBlockRange)], checking for a fork against the adapter's
// local recent-block window before advancing, and returns the next height
// to poll from.
func (a *Adapter) poll(ctx context.Context, fromBlock uint64, out chan<- adapter.AdapterEvent) (uint64, error) {
	var head uint64
	err := retry.Do(ctx, func() error {
		h, err := a.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	}, a.recordFailure)
	if err != nil {
		return fromBlock, err
	}
	a.recordSuccess()

	if fromBlock > head {
		return fromBlock, nil
	}

	toBlock := head
	if toBlock-fromBlock > maxBlockRange {
		toBlock = fromBlock + maxBlockRange
	}

	for h := fromBlock; h <= toBlock; h++ {
		var hdr *types.Header
		err := retry.Do(ctx, func() error {
			var err error
			hdr, err = a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
			return err
		}, a.recordFailure)
		if err != nil {
			return fromBlock, err
		}
		a.recordSuccess()

		forkHeight, forkHash, diverged, err := a.checkFork(h, hdr.ParentHash.Hex())
		if err != nil {
			return fromBlock, err
		}
		if diverged {
			out <- adapter.AdapterEvent{Kind: adapter.KindForkDetected, ForkHeight: forkHeight, NewCanonical: forkHash}
			return forkHeight + 1, nil
		}

		a.remember(h, hdr.Hash().Hex())

		out <- adapter.AdapterEvent{Kind: adapter.KindNewBlock, Block: &chainstate.BlockRecord{
			Chain: a.cfg.Chain, Hash: hdr.Hash().Hex(), ParentHash: hdr.ParentHash.Hex(),
			Number: h, Timestamp: time.Unix(int64(hdr.Time), 0).UTC(), Status: chainstate.Confirmed,
			Canonical: true, FirstSeen: time.Now().UTC(),
		}}

		if err := a.emitLogs(ctx, h, hdr.Hash(), time.Unix(int64(hdr.Time), 0).UTC(), out); err != nil {
			return fromBlock, err
		}

		a.maybePromote(h, head, out)
	}

	return toBlock + 1, nil
}

// checkFork reports whether the parent hash recorded by the chain for
// height h disagrees with what the adapter already emitted at height h-1,
// and if so walks backward to the last matching ancestor still held in the
// recent window. A fork deeper than the configured confirmation depth
// (ConfirmBlocks), or deeper than the retained window entirely, cannot be
// resolved locally and surfaces as Invariant rather than being silently
// walked past.
func (a *Adapter) checkFork(h uint64, parentHash string) (forkHeight uint64, forkHash string, diverged bool, err error) {
	a.mu.Lock()
	prevHash, known := a.recent[h-1]
	a.mu.Unlock()
	if !known || prevHash == parentHash {
		return 0, "", false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for height := h - 1; height >= a.lowest && height > 0; height-- {
		if stored, ok := a.recent[height]; ok && stored == parentHash {
			depth := h - height
			if a.cfg.ConfirmBlocks > 0 && depth > a.cfg.ConfirmBlocks {
				return 0, "", false, errs.New(errs.Invariant, fmt.Sprintf("%s: reorg depth %d exceeds configured confirmation depth %d", a.cfg.Chain, depth, a.cfg.ConfirmBlocks), nil)
			}
			return height, stored, true, nil
		}
		if height == a.lowest {
			break
		}
	}
	// no shared ancestor within the retained window: deeper than anything
	// this adapter can resolve locally.
	return 0, "", false, errs.New(errs.Invariant, fmt.Sprintf("%s: reorg deeper than retained window (%d blocks); no shared ancestor found", a.cfg.Chain, recentWindow), nil)
}

func (a *Adapter) remember(height uint64, hash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent[height] = hash
	if height > a.highest {
		a.highest = height
	}
	if a.lowest == 0 || height < a.lowest {
		a.lowest = height
	}
	for a.highest-a.lowest > recentWindow {
		delete(a.recent, a.lowest)
		a.lowest++
	}
}

func (a *Adapter) emitLogs(ctx context.Context, height uint64, blockHash common.Hash, blockTime time.Time, out chan<- adapter.AdapterEvent) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(height),
		ToBlock:   new(big.Int).SetUint64(height),
	}
	if len(a.cfg.Contracts) > 0 {
		query.Addresses = a.cfg.Contracts
	}

	var logs []types.Log
	err := retry.Do(ctx, func() error {
		var err error
		logs, err = a.client.FilterLogs(ctx, query)
		return err
	}, a.recordFailure)
	if err != nil {
		return err
	}
	a.recordSuccess()

	for _, lg := range logs {
		ev := &event.Event{
			Chain:       a.cfg.Chain,
			BlockNumber: height,
			BlockHash:   blockHash.Hex(),
			TxHash:      lg.TxHash.Hex(),
			TxIndex:     uint64(lg.TxIndex),
			LogIndex:    uint64(lg.Index),
			Timestamp:   blockTime,
			EventType:   topicEventType(lg),
			Attributes:  logAttributes(lg),
			RawData:     lg.Data,
		}
		ev.ID = event.NewID(ev.Chain, ev.TxHash, ev.EventType, ev.LogIndex)
		out <- adapter.AdapterEvent{Kind: adapter.KindEvent, Event: ev}
	}
	return nil
}

func topicEventType(lg types.Log) string {
	if len(lg.Topics) == 0 {
		return "unknown"
	}
	return lg.Topics[0].Hex()
}

func logAttributes(lg types.Log) []event.Attribute {
	attrs := make([]event.Attribute, 0, len(lg.Topics)+2)
	attrs = append(attrs, event.Attribute{Key: "address", Value: lg.Address.Hex()})
	for i, t := range lg.Topics {
		attrs = append(attrs, event.Attribute{Key: fmt.Sprintf("topic%d", i), Value: t.Hex()})
	}
	attrs = append(attrs, event.Attribute{Key: "data", Value: hexutil.Encode(lg.Data)})
	return attrs
}

// maybePromote emits StatusPromotion for height once it falls far enough
// behind head to satisfy ConfirmBlocks/FinalizeBlocks.
func (a *Adapter) maybePromote(height, head uint64, out chan<- adapter.AdapterEvent) {
	depth := head - height
	switch {
	case a.cfg.FinalizeBlocks > 0 && depth >= a.cfg.FinalizeBlocks:
		out <- adapter.AdapterEvent{Kind: adapter.KindStatusPromotion, PromotedHeight: height, PromotedStatus: chainstate.Finalized}
	case a.cfg.ConfirmBlocks > 0 && depth >= a.cfg.ConfirmBlocks:
		out <- adapter.AdapterEvent{Kind: adapter.KindStatusPromotion, PromotedHeight: height, PromotedStatus: chainstate.Safe}
	}
}
