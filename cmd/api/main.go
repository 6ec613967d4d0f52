package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"meshforge/internal/adapter/repo"
	"meshforge/internal/http/handlers"
	httpapi "meshforge/internal/http/httpapi"
	"meshforge/internal/infra"
	"meshforge/internal/infra/geoip"
	"meshforge/internal/infra/settings"
	"meshforge/internal/materialize"
	"meshforge/internal/provider"
	"meshforge/internal/provider/meshy"
	"meshforge/internal/provider/tripo"
	"meshforge/internal/reconcile"
	"meshforge/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	settingsStore := settings.NewStore(pool)
	cfg.RateLimitPerMin = settingsStore.PollRatePerMinute(ctx, cfg.RateLimitPerMin)
	if cfg.WebhookSecret == "" {
		if secret, err := settingsStore.WebhookSecret(ctx); err == nil {
			cfg.WebhookSecret = secret
		}
	}

	store, err := newObjectStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip database unavailable, country tagging disabled")
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
	registry := provider.Registry{
		meshyClient.Name(): meshyClient,
		tripoClient.Name(): tripoClient,
	}

	jobs := repo.NewJobRepository(pool)
	events := repo.NewJobEventRepository(pool)
	assets := repo.NewAssetRepository(pool)
	credits := repo.NewCreditLedger(pool)
	secrets := repo.NewSecretRepository(pool)

	reconciler := reconcile.New(reconcile.Options{
		Jobs:      jobs,
		Events:    events,
		Assets:    assets,
		Credits:   credits,
		Providers: registry,
		Artifacts: materialize.New(store, materialize.Options{
			MaxBytes: int64(cfg.AssetMaxMB) << 20,
			Logger:   &logger,
		}),
		Logger: &logger,
	})

	app := &handlers.App{
		Cfg:        cfg,
		Log:        logger,
		Jobs:       jobs,
		Events:     events,
		Assets:     assets,
		Secrets:    secrets,
		Reconciler: reconciler,
		Store:      store,
		GeoIP:      resolver,
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
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
