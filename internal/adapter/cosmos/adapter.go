// Package cosmos implements the Cosmos/Tendermint-family chain adapter on
// github.com/cometbft/cometbft's RPC client, the same client construction
// (cmthttp.New(addr, "/websocket")) used by
// pkg/consensus.RealCometBFTEngine to reach a running CometBFT node's RPC
// endpoint, here pointed at an external full node rather than an in-process
// validator.
package cosmos

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	cmthttp "github.com/cometbft/cometbft/rpc/client/http"

	"github.com/timewave-computer/almanac/internal/adapter"
	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/event"
	"github.com/timewave-computer/almanac/internal/obslog"
	"github.com/timewave-computer/almanac/internal/retry"
)

// Config configures one Cosmos/CometBFT chain connection.
type Config struct {
	Chain        string
	RPCURL       string // e.g. tcp://127.0.0.1:26657
	PollInterval time.Duration
	StartHeight  uint64
}

// Adapter polls a CometBFT RPC endpoint for committed blocks and their
// transaction events. CometBFT finality is instant: a committed block never
// reverts, so every block is emitted at status Finalized directly, and any
// parent-hash mismatch the adapter observes is an Invariant violation
// rather than an ordinary reorg to walk back from.
type Adapter struct {
	cfg    Config
	client *cmthttp.HTTP
	logger *obslog.Logger

	lastHash string

	consecutiveErr int
	health         adapter.Health
}

// Dial constructs the RPC client. It does not start it; Start does.
func Dial(cfg Config) (*Adapter, error) {
	client, err := cmthttp.New(cfg.RPCURL, "/websocket")
	if err != nil {
		return nil, errs.New(errs.Unavailable, fmt.Sprintf("dial cometbft rpc %s", cfg.Chain), err)
	}
	return &Adapter{cfg: cfg, client: client, logger: obslog.New("adapter/cosmos/" + cfg.Chain), health: adapter.HealthHealthy}, nil
}

func (a *Adapter) Chain() string { return a.cfg.Chain }

func (a *Adapter) Health() adapter.Health { return a.health }

func (a *Adapter) recordFailure(attempt int, err error) {
	a.logger.Warnf("rpc call failed (attempt %d): %v", attempt, err)
	a.consecutiveErr++
	if a.consecutiveErr >= retry.UnhealthyAfter {
		a.health = adapter.HealthUnhealthy
	}
}

func (a *Adapter) recordSuccess() {
	a.consecutiveErr = 0
	a.health = adapter.HealthHealthy
}

// Start connects the RPC client and polls for committed blocks until ctx is
// cancelled.
func (a *Adapter) Start(ctx context.Context, out chan<- adapter.AdapterEvent) error {
	if err := a.client.Start(); err != nil {
		return errs.New(errs.Unavailable, "start cometbft rpc client", err)
	}
	defer a.client.Stop() //nolint:errcheck

	nextHeight := int64(a.cfg.StartHeight)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h, err := a.poll(ctx, nextHeight, out)
			if err != nil {
				if errs.Is(err, errs.Invariant) {
					a.logger.Errorf("fatal: %v", err)
					return err
				}
				a.logger.Errorf("poll failed: %v", err)
				continue
			}
			nextHeight = h
		}
	}
}

func (a *Adapter) poll(ctx context.Context, height int64, out chan<- adapter.AdapterEvent) (int64, error) {
	var status *struct{ LatestHeight int64 }
	err := retry.Do(ctx, func() error {
		res, err := a.client.Status(ctx)
		if err != nil {
			return err
		}
		status = &struct{ LatestHeight int64 }{LatestHeight: res.SyncInfo.LatestBlockHeight}
		return nil
	}, a.recordFailure)
	if err != nil {
		return height, err
	}
	a.recordSuccess()

	if height == 0 {
		height = status.LatestHeight
	}
	if height > status.LatestHeight {
		return height, nil
	}

	for h := height; h <= status.LatestHeight; h++ {
		hp := h
		var result *cmtBlockResult
		err := retry.Do(ctx, func() error {
			r, err := a.fetchBlock(ctx, hp)
			if err != nil {
				return err
			}
			result = r
			return nil
		}, a.recordFailure)
		if err != nil {
			return height, err
		}
		a.recordSuccess()

		if err := a.checkParent(h, result.ParentHash); err != nil {
			return height, err
		}
		a.lastHash = result.Hash

		out <- adapter.AdapterEvent{Kind: adapter.KindNewBlock, Block: &chainstate.BlockRecord{
			Chain: a.cfg.Chain, Hash: result.Hash, ParentHash: result.ParentHash, Number: uint64(h),
			Timestamp: result.Time, Status: chainstate.Finalized, Canonical: true, FirstSeen: time.Now().UTC(),
		}}

		for _, ev := range result.Events {
			out <- adapter.AdapterEvent{Kind: adapter.KindEvent, Event: ev}
		}
	}

	return status.LatestHeight + 1, nil
}

// checkParent reports an Invariant if the block committed at height h does
// not chain from the last block this adapter emitted. CometBFT finality is
// instant, so unlike the EVM adapter there is no window to walk back
// through: any mismatch here means a committed block reverted, which must
// never happen.
func (a *Adapter) checkParent(h int64, parentHash string) error {
	if a.lastHash != "" && parentHash != a.lastHash {
		return errs.New(errs.Invariant,
			fmt.Sprintf("cosmos chain %s observed a parent-hash mismatch at height %d: committed blocks must never revert", a.cfg.Chain, h), nil)
	}
	return nil
}

// cmtBlockResult is the subset of a CometBFT block + its result events the
// adapter needs, decoupled from the exact coretypes response shape.
type cmtBlockResult struct {
	Hash, ParentHash string
	Time             time.Time
	Events           []*event.Event
}

func (a *Adapter) fetchBlock(ctx context.Context, height int64) (*cmtBlockResult, error) {
	block, err := a.client.Block(ctx, &height)
	if err != nil {
		return nil, err
	}
	blockResults, err := a.client.BlockResults(ctx, &height)
	if err != nil {
		return nil, err
	}

	res := &cmtBlockResult{
		Hash:       block.BlockID.Hash.String(),
		ParentHash: block.Block.Header.LastBlockID.Hash.String(),
		Time:       block.Block.Header.Time.UTC(),
	}

	for txIndex, txResult := range blockResults.TxsResults {
		for logIndex, abciEvent := range txResult.Events {
			attrs := make([]event.Attribute, 0, len(abciEvent.Attributes))
			for _, kv := range abciEvent.Attributes {
				attrs = append(attrs, event.Attribute{Key: kv.Key, Value: kv.Value})
			}
			txHash := hex.EncodeToString(block.Block.Data.Txs[txIndex].Hash())
			ev := &event.Event{
				Chain:       a.cfg.Chain,
				BlockNumber: uint64(height),
				BlockHash:   res.Hash,
				TxHash:      txHash,
				TxIndex:     uint64(txIndex),
				LogIndex:    uint64(logIndex),
				Timestamp:   res.Time,
				EventType:   abciEvent.Type,
				Attributes:  attrs,
			}
			ev.ID = event.NewID(ev.Chain, ev.TxHash, ev.EventType, ev.LogIndex)
			res.Events = append(res.Events, ev)
		}
	}

	for logIndex, abciEvent := range blockResults.FinalizeBlockEvents {
		attrs := make([]event.Attribute, 0, len(abciEvent.Attributes))
		for _, kv := range abciEvent.Attributes {
			attrs = append(attrs, event.Attribute{Key: kv.Key, Value: kv.Value})
		}
		ev := &event.Event{
			Chain:       a.cfg.Chain,
			BlockNumber: uint64(height),
			BlockHash:   res.Hash,
			TxHash:      "",
			TxIndex:     0,
			LogIndex:    uint64(logIndex),
			Timestamp:   res.Time,
			EventType:   abciEvent.Type,
			Attributes:  attrs,
		}
		ev.ID = event.NewID(ev.Chain, ev.BlockHash, ev.EventType, ev.LogIndex)
		res.Events = append(res.Events, ev)
	}

	return res, nil
}
