package ranking

import (
	"context"
	"log/slog"
	"time"
)

// DefaultIngestInterval spaces out periodic ingest runs.
const DefaultIngestInterval = time.Hour * 6

// StartIngestDaemon runs IngestAll on a fixed cadence until the context
// is cancelled. The kill switch in the configuration store is consulted
// on every tick, so ingestion can be paused without a restart.
func (s Service) StartIngestDaemon(ctx context.Context, interval time.Duration) {
	go s.ingestDaemon(ctx, interval)
	go s.sweepDaemon(ctx)
}

func (s Service) ingestDaemon(ctx context.Context, interval time.Duration) {
	slog.InfoContext(ctx, "start daemon", "task", "ingest rankings", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := s.config.Get(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "read ingest config", "err", err)
				continue
			}
			if !cfg.IngestEnabled {
				slog.InfoContext(ctx, "ingest disabled, skipping tick")
				continue
			}

			results, err := s.IngestAll(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "ingest all categories", "err", err)
				continue
			}
			for _, res := range results {
				if res.Err != nil {
					slog.WarnContext(ctx, "ingest category",
						"genre_id", res.GenreID, "err", res.Err)
					continue
				}
				slog.InfoContext(ctx, "ingested category",
					"genre_id", res.GenreID,
					"snapshot_id", res.Result.SnapshotID,
					"count", res.Result.Count)
			}
		}
	}
}

func (s Service) sweepDaemon(ctx context.Context) {
	slog.InfoContext(ctx, "start daemon", "task", "sweep stale snapshots every 24 hours")

	ticker := time.NewTicker(time.Hour * 24)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.SweepSnapshots(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "sweep snapshots", "err", err)
			}
		}
	}
}
