package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "almanac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const validEmbeddedConfig = `
chains:
  - id: ethereum
    kind: evm
    rpc_url: https://example.invalid/rpc
    poll_interval: 12s
    confirm_blocks: 12
    finalize_blocks: 64
  - id: osmosis
    kind: cosmos
    rpc_url: tcp://127.0.0.1:26657
    poll_interval: 2s
storage:
  backend: embedded
  embedded:
    dir: /tmp/almanac-data
indexer:
  outbox_capacity: 1024
`

func TestLoadValidEmbeddedConfig(t *testing.T) {
	path := writeConfig(t, validEmbeddedConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 2)
	require.Equal(t, ChainKindEVM, cfg.Chains[0].Kind)
	require.Equal(t, ChainKindCosmos, cfg.Chains[1].Kind)
	require.Equal(t, "embedded", cfg.Storage.Backend)
	require.Equal(t, "/tmp/almanac-data", cfg.Storage.Embedded.Dir)
	require.Equal(t, 1024, cfg.Indexer.OutboxCapacity)
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeConfig(t, validEmbeddedConfig+"\nbogus_key: true\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsDuplicateChainID(t *testing.T) {
	cfg := Config{
		Chains: []ChainConfig{
			{ID: "ethereum", Kind: ChainKindEVM, RPCURL: "https://a"},
			{ID: "ethereum", Kind: ChainKindEVM, RPCURL: "https://b"},
		},
		Storage: StorageConfig{Backend: "embedded"},
	}
	cfg.Storage.Embedded.Dir = "/tmp/x"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownChainKind(t *testing.T) {
	cfg := Config{Chains: []ChainConfig{{ID: "a", Kind: "solana", RPCURL: "https://a"}}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsMissingRPCURL(t *testing.T) {
	cfg := Config{Chains: []ChainConfig{{ID: "a", Kind: ChainKindEVM}}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmbeddedBackendWithoutDir(t *testing.T) {
	cfg := Config{Storage: StorageConfig{Backend: "embedded"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsPostgresBackendWithoutURL(t *testing.T) {
	cfg := Config{Storage: StorageConfig{Backend: "postgres"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Config{Storage: StorageConfig{Backend: "sqlite"}}
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsPostgresBackendWithURL(t *testing.T) {
	cfg := Config{Storage: StorageConfig{Backend: "postgres"}}
	cfg.Storage.Postgres.URL = "postgres://localhost/almanac"
	require.NoError(t, cfg.Validate())
}
