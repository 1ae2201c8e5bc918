package commands

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ratewatch-backend/lib/appconfig"
	"ratewatch-backend/lib/configutil"
	"ratewatch-backend/lib/keyqueue"
	"ratewatch-backend/lib/restyutil"
	"ratewatch-backend/lib/scrapers/afftool"
	"ratewatch-backend/lib/scrapers/afftool/itemid"
	"ratewatch-backend/lib/scrapers/rakuten"
	"ratewatch-backend/lib/sqliteutil"
	"ratewatch-backend/lib/util/serviceutil"
	"ratewatch-backend/services/audit"
	"ratewatch-backend/services/ranking"
	rankingdb "ratewatch-backend/services/ranking/db"
	"ratewatch-backend/services/scrape"
	"ratewatch-backend/services/verify"
	verifydb "ratewatch-backend/services/verify/db"

	"github.com/dgraph-io/badger/v4"
)

type RankingConfig struct {
	BaseUrl           string              `json:"base_url"`
	RequestIntervalMs int                 `json:"request_interval_ms"`
	AppConfig         string              `json:"app_config"`
	Credentials       rakuten.Credentials `json:"credentials"`
}

type ScrapeConfig struct {
	BaseUrl     string `json:"base_url"`
	SessionFile string `json:"session_file"`
	CacheDir    string `json:"cache_dir"`
	// dump raw portal exchanges under .dev/resty for debugging
	DumpExchanges bool `json:"dump_exchanges"`
}

type Config struct {
	Database string        `json:"database"`
	Ranking  RankingConfig `json:"ranking"`
	Scrape   ScrapeConfig  `json:"scrape"`
}

type services struct {
	cfg     Config
	db      *sql.DB
	verify  verify.Service
	ranking ranking.Service
}

func setupServices() (services, func()) {
	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	database, err := sqliteutil.OpenDB(rankingdb.Schema+"\n"+verifydb.Schema, cfg.Database)
	if err != nil {
		serviceutil.Fatal("open database", err)
	}

	baseUrl := cfg.Ranking.BaseUrl
	if baseUrl == "" {
		baseUrl = rakuten.DefaultBaseURL
	}
	requestInterval := keyqueue.DefaultInterval
	if cfg.Ranking.RequestIntervalMs > 0 {
		requestInterval = time.Duration(cfg.Ranking.RequestIntervalMs) * time.Millisecond
	}
	var provider appconfig.Provider = appconfig.Static{Config: appconfig.Defaults()}
	if cfg.Ranking.AppConfig != "" {
		provider = appconfig.File{Path: cfg.Ranking.AppConfig}
	}

	verifySvc := verify.NewService(database, audit.SlogSink{})
	rankingSvc := ranking.NewService(ranking.ServiceParams{
		DB:      database,
		Fetcher: rakuten.NewClient(baseUrl, requestInterval),
		Verify:  verifySvc,
		Creds:   cfg.Ranking.Credentials,
		Config:  provider,
		Audit:   audit.SlogSink{},
	})

	return services{
		cfg:     cfg,
		db:      database,
		verify:  verifySvc,
		ranking: rankingSvc,
	}, func() { database.Close() }
}

func setupOrchestrator(ctx context.Context, s services) (*scrape.Orchestrator, func()) {
	session, err := afftool.LoadSession(s.cfg.Scrape.SessionFile)
	if err != nil {
		serviceutil.Fatal("load portal session (re-run the login procedure?)", err)
	}

	var instrument restyutil.InstrumentOutput
	if s.cfg.Scrape.DumpExchanges {
		instrument = restyutil.NewFilesystemOutput(".dev/resty/afftool")
	}
	client, err := afftool.NewClient(afftool.ClientOptions{
		BaseUrl:          s.cfg.Scrape.BaseUrl,
		Session:          session,
		InstrumentOutput: instrument,
	})
	if err != nil {
		serviceutil.Fatal("init portal client", err)
	}

	cacheDir := s.cfg.Scrape.CacheDir
	if cacheDir == "" {
		cacheDir = ".dev/itemid-cache"
	}
	cache, err := badger.Open(badger.DefaultOptions(cacheDir).WithLogger(nil))
	if err != nil {
		serviceutil.Fatal("open identifier cache", err)
	}

	orchestrator := scrape.NewOrchestrator(scrape.OrchestratorParams{
		Client:   client,
		Resolver: itemid.NewResolver(cache),
		Verify:   s.verify,
		Ranking:  s.ranking,
		Audit:    audit.SlogSink{},
	})
	err = orchestrator.Start(ctx)
	if err != nil {
		serviceutil.Fatal("start orchestrator", err)
	}

	return orchestrator, func() {
		orchestrator.Close()
		cache.Close()
	}
}

func formatRate(rate *float64) string {
	if rate == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *rate)
}
