package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timewave-computer/almanac/internal/adapter"
	"github.com/timewave-computer/almanac/internal/errs"
)

// fakeAdapter blocks in Start until ctx is cancelled, optionally stalling
// shutdown to exercise Remove's abandon-after-timeout path.
type fakeAdapter struct {
	chain        string
	shutdownHang time.Duration

	mu      sync.Mutex
	started bool
}

func (f *fakeAdapter) Chain() string { return f.chain }

func (f *fakeAdapter) Start(ctx context.Context, out chan<- adapter.AdapterEvent) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	<-ctx.Done()
	if f.shutdownHang > 0 {
		time.Sleep(f.shutdownHang)
	}
	return nil
}

func (f *fakeAdapter) Health() adapter.Health { return adapter.HealthHealthy }

func (f *fakeAdapter) wasStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// fakeFatalAdapter exits immediately with a fatal error, as the EVM/Cosmos
// adapters do when they detect a reorg deeper than their confirmation depth.
type fakeFatalAdapter struct {
	chain string
	err   error
}

func (f *fakeFatalAdapter) Chain() string { return f.chain }

func (f *fakeFatalAdapter) Start(ctx context.Context, out chan<- adapter.AdapterEvent) error {
	return f.err
}

func (f *fakeFatalAdapter) Health() adapter.Health { return adapter.HealthUnhealthy }

func TestRegisterStartsAdapterAndGetReturnsIt(t *testing.T) {
	reg := New()
	ad := &fakeAdapter{chain: "ethereum"}
	out := make(chan adapter.AdapterEvent, 1)

	require.NoError(t, reg.Register(context.Background(), ad, out))

	require.Eventually(t, ad.wasStarted, time.Second, 5*time.Millisecond)

	got, err := reg.Get("ethereum")
	require.NoError(t, err)
	require.Same(t, ad, got)

	require.NoError(t, reg.Remove("ethereum"))
}

func TestRegisterDuplicateChainFails(t *testing.T) {
	reg := New()
	out := make(chan adapter.AdapterEvent, 1)
	require.NoError(t, reg.Register(context.Background(), &fakeAdapter{chain: "ethereum"}, out))

	err := reg.Register(context.Background(), &fakeAdapter{chain: "ethereum"}, out)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Invariant))

	require.NoError(t, reg.Remove("ethereum"))
}

func TestGetMissingChainFails(t *testing.T) {
	reg := New()
	_, err := reg.Get("does-not-exist")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestRemoveCancelsAdapterContext(t *testing.T) {
	reg := New()
	ad := &fakeAdapter{chain: "ethereum"}
	out := make(chan adapter.AdapterEvent, 1)
	require.NoError(t, reg.Register(context.Background(), ad, out))
	require.Eventually(t, ad.wasStarted, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Remove("ethereum"))

	_, err := reg.Get("ethereum")
	require.Error(t, err)
}

func TestRemoveMissingChainFails(t *testing.T) {
	reg := New()
	err := reg.Remove("does-not-exist")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestStopAllStopsEveryRegisteredChain(t *testing.T) {
	reg := New()
	out := make(chan adapter.AdapterEvent, 1)
	require.NoError(t, reg.Register(context.Background(), &fakeAdapter{chain: "ethereum"}, out))
	require.NoError(t, reg.Register(context.Background(), &fakeAdapter{chain: "osmosis"}, out))

	require.NoError(t, reg.StopAll())
	require.Empty(t, reg.Chains())
}

func TestErrCapturesFatalAdapterExit(t *testing.T) {
	reg := New()
	out := make(chan adapter.AdapterEvent, 1)
	fatal := errs.New(errs.Invariant, "reorg deeper than confirmation depth", nil)
	require.NoError(t, reg.Register(context.Background(), &fakeFatalAdapter{chain: "ethereum", err: fatal}, out))

	require.Eventually(t, func() bool {
		return reg.Err("ethereum") != nil
	}, time.Second, 5*time.Millisecond)

	require.True(t, errs.Is(reg.Err("ethereum"), errs.Invariant))
}

func TestErrIsNilWhileAdapterRuns(t *testing.T) {
	reg := New()
	ad := &fakeAdapter{chain: "ethereum"}
	out := make(chan adapter.AdapterEvent, 1)
	require.NoError(t, reg.Register(context.Background(), ad, out))
	require.Eventually(t, ad.wasStarted, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Err("ethereum"))
	require.NoError(t, reg.Remove("ethereum"))
}

func TestErrOnMissingChainFails(t *testing.T) {
	reg := New()
	err := reg.Err("does-not-exist")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestChainsListsRegisteredIDs(t *testing.T) {
	reg := New()
	out := make(chan adapter.AdapterEvent, 1)
	require.NoError(t, reg.Register(context.Background(), &fakeAdapter{chain: "ethereum"}, out))
	require.NoError(t, reg.Register(context.Background(), &fakeAdapter{chain: "osmosis"}, out))

	chains := reg.Chains()
	require.ElementsMatch(t, []string{"ethereum", "osmosis"}, chains)

	require.NoError(t, reg.Remove("ethereum"))
	require.NoError(t, reg.Remove("osmosis"))
}
