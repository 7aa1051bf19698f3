// Command almanac runs the cross-chain event indexer: it dials one adapter
// per configured chain, drives storage and causality through per-chain
// coordinators, and serves the dispatcher to subscribers. Wiring follows the
// sequential fail-fast style of the validator's own entrypoint: each phase
// logs its progress and a required dependency failing calls log.Fatalf
// rather than limping forward in a half-initialized state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timewave-computer/almanac/internal/adapter"
	"github.com/timewave-computer/almanac/internal/adapter/cosmos"
	"github.com/timewave-computer/almanac/internal/adapter/evm"
	"github.com/timewave-computer/almanac/internal/causality"
	"github.com/timewave-computer/almanac/internal/causality/smt"
	"github.com/timewave-computer/almanac/internal/config"
	"github.com/timewave-computer/almanac/internal/coordinator"
	"github.com/timewave-computer/almanac/internal/dispatch"
	"github.com/timewave-computer/almanac/internal/query"
	"github.com/timewave-computer/almanac/internal/registry"
	"github.com/timewave-computer/almanac/internal/storage"
	"github.com/timewave-computer/almanac/internal/storage/embedded"
	"github.com/timewave-computer/almanac/internal/storage/postgres"
)

// causalBackend bundles the two roles a storage backend's causality handle
// plays: node/value store for the tree, and root history for ticks.
type causalBackend interface {
	smt.NodeStore
	causality.RootStore
	LatestRoot(ctx context.Context) ([32]byte, bool, error)
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", "almanac.yaml", "path to the YAML config file")
	flag.Parse()

	log.Printf("starting almanac indexer, config=%s", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, causalHandle, closeBackend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("open storage backend: %v", err)
	}
	defer closeBackend()
	log.Printf("storage backend %q ready", cfg.Storage.Backend)

	latestRoot := smt.EmptyRoot()
	if root, ok, err := causalHandle.LatestRoot(ctx); err != nil {
		log.Fatalf("load latest causality root: %v", err)
	} else if ok {
		latestRoot = root
	}
	causalStore := causality.NewStore(causalHandle, causalHandle, latestRoot)

	dispatcher := dispatch.New(cfg.Indexer.OutboxCapacity)

	reg := registry.New()
	svc := query.New(backend, causalStore, dispatcher)

	for _, ch := range cfg.Chains {
		ad, err := buildAdapter(ctx, ch)
		if err != nil {
			log.Fatalf("build adapter for chain %s: %v", ch.ID, err)
		}

		coord := coordinator.New(ch.ID, backend, causalStore, dispatcher)
		svc.RegisterCoordinator(ch.ID, coord)
		inbox := make(chan adapter.AdapterEvent, coordinator.InboxCapacity)

		if err := reg.Register(ctx, ad, inbox); err != nil {
			log.Fatalf("register adapter for chain %s: %v", ch.ID, err)
		}
		go coord.Run(ctx, inbox)

		log.Printf("chain %s (%s) wired: rpc=%s", ch.ID, ch.Kind, ch.RPCURL)
	}

	log.Printf("almanac indexer ready, tracking %d chains", len(cfg.Chains))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down almanac indexer")
	cancel()

	if err := reg.StopAll(); err != nil {
		log.Printf("stop adapters: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // let in-flight coordinator writes settle
	log.Printf("almanac indexer stopped")
}

func buildAdapter(ctx context.Context, ch config.ChainConfig) (adapter.Adapter, error) {
	switch ch.Kind {
	case config.ChainKindEVM:
		contracts := make([]common.Address, 0, len(ch.Contracts))
		for _, c := range ch.Contracts {
			contracts = append(contracts, common.HexToAddress(c))
		}
		return evm.Dial(ctx, evm.Config{
			Chain:          ch.ID,
			RPCURL:         ch.RPCURL,
			Contracts:      contracts,
			PollInterval:   orDefault(ch.PollInterval, 12*time.Second),
			ConfirmBlocks:  orDefaultUint(ch.ConfirmBlocks, 12),
			FinalizeBlocks: orDefaultUint(ch.FinalizeBlocks, 64),
			StartHeight:    ch.StartHeight,
		})
	case config.ChainKindCosmos:
		return cosmos.Dial(cosmos.Config{
			Chain:        ch.ID,
			RPCURL:       ch.RPCURL,
			PollInterval: orDefault(ch.PollInterval, 2*time.Second),
			StartHeight:  ch.StartHeight,
		})
	default:
		return nil, fmt.Errorf("unknown chain kind %q", ch.Kind)
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefaultUint(v, fallback uint64) uint64 {
	if v == 0 {
		return fallback
	}
	return v
}

// openBackend constructs the storage.Backend and its paired causality handle
// for the configured backend kind. The embedded and postgres CausalityStore
// types both satisfy causalBackend.
func openBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, causalBackend, func(), error) {
	switch cfg.Backend {
	case "embedded":
		store, err := embedded.Open("almanac", cfg.Embedded.Dir)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, embedded.NewCausalityStore(store), func() { store.Close() }, nil
	case "postgres":
		store, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, postgres.NewCausalityStore(store), func() { store.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
