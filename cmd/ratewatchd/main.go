package main

import (
	"flag"
	"log/slog"
	"time"

	"ratewatch-backend/lib/appconfig"
	"ratewatch-backend/lib/configutil"
	"ratewatch-backend/lib/keyqueue"
	"ratewatch-backend/lib/scrapers/rakuten"
	"ratewatch-backend/lib/sqliteutil"
	"ratewatch-backend/lib/util/serviceutil"
	"ratewatch-backend/services/audit"
	"ratewatch-backend/services/ranking"
	rankingdb "ratewatch-backend/services/ranking/db"
	"ratewatch-backend/services/verify"
	verifydb "ratewatch-backend/services/verify/db"
)

type RankingConfig struct {
	BaseUrl string `json:"base_url"`
	// minimum spacing between ranking API calls, in milliseconds
	RequestIntervalMs int `json:"request_interval_ms"`
	// how often the ingest daemon runs, in minutes
	IngestIntervalMinutes int                 `json:"ingest_interval_minutes"`
	AppConfig             string              `json:"app_config"`
	Credentials           rakuten.Credentials `json:"credentials"`
}

type Config struct {
	Database string        `json:"database"`
	Ranking  RankingConfig `json:"ranking"`
}

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	ingestNow := flag.Bool("ingest", false, "Trigger an ingest run immediately on start.")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	InitTelemetry(ctx, *verbose)

	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	database, err := sqliteutil.OpenDB(rankingdb.Schema+"\n"+verifydb.Schema, cfg.Database)
	if err != nil {
		serviceutil.Fatal("open database", err)
	}
	defer database.Close()

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

	ingestInterval := ranking.DefaultIngestInterval
	if cfg.Ranking.IngestIntervalMinutes > 0 {
		ingestInterval = time.Duration(cfg.Ranking.IngestIntervalMinutes) * time.Minute
	}
	rankingSvc.StartIngestDaemon(ctx, ingestInterval)

	if *ingestNow {
		go func() {
			results, err := rankingSvc.IngestAll(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "initial ingest", "err", err)
				return
			}
			for _, res := range results {
				if res.Err != nil {
					slog.WarnContext(ctx, "initial ingest category",
						"genre_id", res.GenreID, "err", res.Err)
				}
			}
		}()
	}

	<-ctx.Done()
}
