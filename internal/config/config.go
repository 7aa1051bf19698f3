// Package config loads the Almanac service configuration from a YAML file,
// generalizing pkg/config.Config/Load's plain-struct-plus-Load idiom from
// the codebase this project adapts. Unlike the teacher, which reads
// individual environment variables directly into a flat struct, this
// config loads a single YAML document and rejects unknown top-level keys
// via yaml.v3's KnownFields decoding, since the schema here is structured
// (chains[], storage, indexer) rather than a flat env-var bag.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timewave-computer/almanac/internal/errs"
)

// ChainKind selects which adapter family a chain entry uses.
type ChainKind string

const (
	ChainKindEVM    ChainKind = "evm"
	ChainKindCosmos ChainKind = "cosmos"
)

// ChainConfig configures one adapter instance.
type ChainConfig struct {
	ID             string        `yaml:"id"`
	Kind           ChainKind     `yaml:"kind"`
	RPCURL         string        `yaml:"rpc_url"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StartHeight    uint64        `yaml:"start_height"`
	Contracts      []string      `yaml:"contracts,omitempty"`      // EVM only
	ConfirmBlocks  uint64        `yaml:"confirm_blocks,omitempty"` // EVM only; also the max tolerated reorg depth
	FinalizeBlocks uint64        `yaml:"finalize_blocks,omitempty"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "embedded" or "postgres"

	Embedded struct {
		Dir string `yaml:"dir"`
	} `yaml:"embedded"`

	Postgres struct {
		URL             string        `yaml:"url"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"postgres"`
}

// IndexerConfig tunes dispatcher/coordinator behavior.
type IndexerConfig struct {
	OutboxCapacity int `yaml:"outbox_capacity"`
}

// Config is the top-level schema decoded from the YAML config file.
type Config struct {
	Chains  []ChainConfig `yaml:"chains"`
	Storage StorageConfig `yaml:"storage"`
	Indexer IndexerConfig `yaml:"indexer"`
}

// Load reads and decodes path, rejecting unknown top-level keys, then
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("read config %s", path), err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errs.New(errs.Parse, fmt.Sprintf("decode config %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the schema invariants Load cannot express structurally.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID == "" {
			return errs.New(errs.InvalidArgument, "chain entry missing id", nil)
		}
		if _, dup := seen[ch.ID]; dup {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("duplicate chain id %s", ch.ID), nil)
		}
		seen[ch.ID] = struct{}{}
		if ch.Kind != ChainKindEVM && ch.Kind != ChainKindCosmos {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("chain %s has unknown kind %q", ch.ID, ch.Kind), nil)
		}
		if ch.RPCURL == "" {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("chain %s missing rpc_url", ch.ID), nil)
		}
	}

	switch c.Storage.Backend {
	case "embedded":
		if c.Storage.Embedded.Dir == "" {
			return errs.New(errs.InvalidArgument, "storage.embedded.dir required for embedded backend", nil)
		}
	case "postgres":
		if c.Storage.Postgres.URL == "" {
			return errs.New(errs.InvalidArgument, "storage.postgres.url required for postgres backend", nil)
		}
	default:
		return errs.New(errs.InvalidArgument, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend), nil)
	}

	return nil
}
