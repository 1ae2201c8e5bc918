// Package appconfig is the read-only view of the externally owned
// configuration store: which genres to sample, how deep, and whether
// periodic ingestion is switched on at all.
package appconfig

import (
	"context"
	"os"

	"ratewatch-backend/lib/configutil"
)

type Config struct {
	// ranking genre ids to sample
	Categories []string `json:"categories"`
	// per-category cap on ranked items kept in a snapshot
	TopN int `json:"top_n"`
	// kill switch for the periodic ingest daemon
	IngestEnabled bool `json:"ingest_enabled"`
}

// the fallback used when no configuration store is reachable:
// food & drink, ladies fashion, home electronics, health & beauty
var DefaultCategories = []string{"100227", "100371", "562637", "100939"}

const DefaultTopN = 100

type Provider interface {
	Get(ctx context.Context) (Config, error)
}

// Static is a fixed in-memory configuration, used by tests and as the
// fallback when the file-backed store is absent.
type Static struct {
	Config Config
}

func (s Static) Get(ctx context.Context) (Config, error) {
	return s.Config, nil
}

func Defaults() Config {
	return Config{
		Categories:    DefaultCategories,
		TopN:          DefaultTopN,
		IngestEnabled: true,
	}
}

// File reads the configuration from a json5 document on every call so
// operator edits take effect on the next ingest run without a restart.
type File struct {
	Path string
}

func (f File) Get(ctx context.Context) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](f.Path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return Config{}, err
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	return cfg, nil
}
