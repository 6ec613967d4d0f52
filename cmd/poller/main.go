package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"meshforge/internal/adapter/repo"
	"meshforge/internal/domain"
	"meshforge/internal/infra"
	"meshforge/internal/infra/settings"
	"meshforge/internal/materialize"
	"meshforge/internal/provider"
	"meshforge/internal/provider/meshy"
	"meshforge/internal/provider/tripo"
	"meshforge/internal/reconcile"
	"meshforge/internal/storage"
)

// The poller is the internal trigger: it sweeps active jobs that neither a
// webhook nor a user poll has touched recently and reconciles them.
type poller struct {
	ctx        context.Context
	jobs       domain.JobRepository
	reconciler *reconcile.Reconciler
	logger     infra.Logger
	interval   time.Duration
	batchSize  int
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("poller: db connection failed")
	}
	defer pool.Close()

	settingsStore := settings.NewStore(pool)

	store, err := newObjectStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("poller: failed to configure storage")
	}

	meshyClient := meshy.NewClient(meshy.Options{
		APIKey:         cfg.MeshyAPIKey,
		BaseURL:        cfg.MeshyBaseURL,
		Keys:           settingsStore,
		Logger:         &logger,
		RequestTimeout: cfg.ProviderTimeout,
	})
	tripoClient := tripo.NewClient(tripo.Options{
		APIKey:         cfg.TripoAPIKey,
		BaseURL:        cfg.TripoBaseURL,
		Keys:           settingsStore,
		Logger:         &logger,
		RequestTimeout: cfg.ProviderTimeout,
	})

	jobs := repo.NewJobRepository(pool)
	reconciler := reconcile.New(reconcile.Options{
		Jobs:    jobs,
		Events:  repo.NewJobEventRepository(pool),
		Assets:  repo.NewAssetRepository(pool),
		Credits: repo.NewCreditLedger(pool),
		Providers: provider.Registry{
			meshyClient.Name(): meshyClient,
			tripoClient.Name(): tripoClient,
		},
		Artifacts: materialize.New(store, materialize.Options{
			MaxBytes: int64(cfg.AssetMaxMB) << 20,
			Logger:   &logger,
		}),
		Logger: &logger,
	})

	p := &poller{
		ctx:        ctx,
		jobs:       jobs,
		reconciler: reconciler,
		logger:     logger,
		interval:   cfg.PollInterval,
		batchSize:  cfg.PollBatchSize,
	}

	if err := p.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("poller: stopped with error")
	}
	logger.Info().Msg("poller: stopped")
}

func (p *poller) Run() error {
	p.logger.Info().Dur("interval", p.interval).Msg("poller: started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-ticker.C:
		}
		p.sweep()
	}
}

func (p *poller) sweep() {
	stale, err := p.jobs.ListStale(p.ctx, p.interval, p.batchSize)
	if err != nil {
		p.logger.Error().Err(err).Msg("poller: stale job listing failed")
		return
	}
	for i := range stale {
		job := &stale[i]
		outcome, err := p.reconciler.Reconcile(p.ctx, job)
		if err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("poller: reconcile failed")
			continue
		}
		p.logger.Info().
			Str("job_id", outcome.JobID).
			Str("stage", string(outcome.Stage)).
			Str("status", string(outcome.Status)).
			Msg("poller: reconciled")
	}
}

func newObjectStore(cfg *infra.Config) (storage.ObjectStore, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewS3Store(storage.S3Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	}
	return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}
