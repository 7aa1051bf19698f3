package evm

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/timewave-computer/almanac/internal/adapter"
	"github.com/timewave-computer/almanac/internal/chainstate"
	"github.com/timewave-computer/almanac/internal/errs"
	"github.com/timewave-computer/almanac/internal/obslog"
)

func newTestAdapter() *Adapter {
	return &Adapter{
		cfg:    Config{Chain: "ethereum"},
		logger: obslog.New("test/evm"),
		recent: make(map[uint64]string),
		health: adapter.HealthHealthy,
	}
}

func TestTopicEventTypeUsesFirstTopic(t *testing.T) {
	lg := types.Log{Topics: []common.Hash{common.HexToHash("0xabc"), common.HexToHash("0xdef")}}
	require.Equal(t, common.HexToHash("0xabc").Hex(), topicEventType(lg))
}

func TestTopicEventTypeWithNoTopicsIsUnknown(t *testing.T) {
	require.Equal(t, "unknown", topicEventType(types.Log{}))
}

func TestLogAttributesIncludesAddressAndTopics(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	lg := types.Log{Address: addr, Topics: []common.Hash{common.HexToHash("0xaaa"), common.HexToHash("0xbbb")}}

	attrs := logAttributes(lg)
	require.Len(t, attrs, 4)
	require.Equal(t, "address", attrs[0].Key)
	require.Equal(t, addr.Hex(), attrs[0].Value)
	require.Equal(t, "topic0", attrs[1].Key)
	require.Equal(t, "topic1", attrs[2].Key)
	require.Equal(t, "data", attrs[3].Key)
}

func TestRememberBoundsWindowSize(t *testing.T) {
	a := newTestAdapter()
	for h := uint64(1); h <= recentWindow+10; h++ {
		a.remember(h, "hash")
	}
	require.LessOrEqual(t, len(a.recent), recentWindow+1)
	_, ok := a.recent[1]
	require.False(t, ok, "height 1 should have been evicted once the window filled")
	_, ok = a.recent[recentWindow+10]
	require.True(t, ok)
}

func TestCheckForkNoDivergenceWhenParentMatches(t *testing.T) {
	a := newTestAdapter()
	a.remember(99, "0xparent")

	_, _, diverged, err := a.checkFork(100, "0xparent")
	require.NoError(t, err)
	require.False(t, diverged)
}

func TestCheckForkUnknownPriorHeightIsNotADivergence(t *testing.T) {
	a := newTestAdapter()
	_, _, diverged, err := a.checkFork(100, "0xparent")
	require.NoError(t, err)
	require.False(t, diverged)
}

func TestCheckForkWalksBackToSharedAncestor(t *testing.T) {
	a := newTestAdapter()
	a.remember(97, "0xshared")
	a.remember(98, "0xold-98")
	a.remember(99, "0xold-99")

	forkHeight, forkHash, diverged, err := a.checkFork(100, "0xshared")
	require.NoError(t, err)
	require.True(t, diverged)
	require.Equal(t, uint64(97), forkHeight)
	require.Equal(t, "0xshared", forkHash)
}

func TestCheckForkExceedingConfirmBlocksIsInvariant(t *testing.T) {
	a := newTestAdapter()
	a.cfg.ConfirmBlocks = 2
	a.remember(97, "0xshared")
	a.remember(98, "0xold-98")
	a.remember(99, "0xold-99")

	// Shared ancestor found at height 97, depth 3 from height 100: exceeds
	// the configured confirmation depth of 2.
	_, _, diverged, err := a.checkFork(100, "0xshared")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Invariant))
	require.False(t, diverged)
}

func TestCheckForkDeeperThanWindowIsInvariant(t *testing.T) {
	a := newTestAdapter()
	a.remember(50, "0xoldest")
	a.remember(99, "0xold-99")

	_, _, diverged, err := a.checkFork(100, "0xnever-seen")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Invariant))
	require.False(t, diverged)
}

func TestMaybePromoteEmitsFinalizedBeforeSafe(t *testing.T) {
	a := newTestAdapter()
	a.cfg.ConfirmBlocks = 10
	a.cfg.FinalizeBlocks = 50

	out := make(chan adapter.AdapterEvent, 1)
	a.maybePromote(40, 100, out) // depth 60 >= FinalizeBlocks
	promo := <-out
	require.Equal(t, adapter.KindStatusPromotion, promo.Kind)
	require.Equal(t, chainstate.Finalized, promo.PromotedStatus)
}

func TestMaybePromoteEmitsSafeWhenOnlyConfirmThresholdMet(t *testing.T) {
	a := newTestAdapter()
	a.cfg.ConfirmBlocks = 10
	a.cfg.FinalizeBlocks = 50

	out := make(chan adapter.AdapterEvent, 1)
	a.maybePromote(85, 100, out) // depth 15: >= ConfirmBlocks, < FinalizeBlocks
	promo := <-out
	require.Equal(t, chainstate.Safe, promo.PromotedStatus)
}

func TestMaybePromoteEmitsNothingBelowThresholds(t *testing.T) {
	a := newTestAdapter()
	a.cfg.ConfirmBlocks = 10
	a.cfg.FinalizeBlocks = 50

	out := make(chan adapter.AdapterEvent, 1)
	a.maybePromote(95, 100, out) // depth 5, below both thresholds
	select {
	case ev := <-out:
		t.Fatalf("unexpected event emitted: %+v", ev)
	default:
	}
}

func TestRecordFailureMarksUnhealthyAfterThreshold(t *testing.T) {
	a := newTestAdapter()
	require.Equal(t, adapter.HealthHealthy, a.Health())

	for i := 0; i < 5; i++ {
		a.recordFailure(i, errFake{})
	}
	require.Equal(t, adapter.HealthUnhealthy, a.Health())

	a.recordSuccess()
	require.Equal(t, adapter.HealthHealthy, a.Health())
}

type errFake struct{}

func (errFake) Error() string { return "fake failure" }
