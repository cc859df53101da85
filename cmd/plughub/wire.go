package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ericfisherdev/plughub/internal/adapter/driven/manifest"
	"github.com/ericfisherdev/plughub/internal/adapter/driven/ocr"
	"github.com/ericfisherdev/plughub/internal/adapter/driven/provider"
	"github.com/ericfisherdev/plughub/internal/adapter/driven/sealer"
	sqliteadapter "github.com/ericfisherdev/plughub/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/plughub/internal/application"
	"github.com/ericfisherdev/plughub/internal/config"
	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
	"github.com/ericfisherdev/plughub/internal/plugin"
	"github.com/ericfisherdev/plughub/internal/sandbox"
)

const (
	processCacheSize = 10_000
	processCacheTTL  = 10 * time.Minute
)

// app is the composed process: adapters, services and the resources that
// must be released on exit.
type app struct {
	cfg       *config.Config
	catalog   *manifest.Catalog
	providers *provider.Registry
	broker    *application.TokenBroker
	runner    *application.ExecutionService
	scheduler *application.SchedulerService
	recorder  *diagnostics.Recorder
	plugins   *plugin.Registry

	closers []func() error
}

// buildApp wires every component. The caller must call close.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// 1. Diagnostics recorder, optionally mirrored to an NDJSON audit file.
	var auditOut io.Writer
	if cfg.AuditLog != "" {
		f, err := os.OpenFile(cfg.AuditLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		auditOut = f
	}
	a.recorder = diagnostics.NewRecorder(slog.Default(), auditOut, 0)
	a.closers = append(a.closers, func() error { a.recorder.Close(); return nil })

	// 2. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	slog.Info("database opened", "path", cfg.DBPath)

	// 3. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return nil, err
	}
	slog.Info("migrations complete")

	// 4. Sealer. Without a key, credentials and secrets are unavailable
	// but everything else runs.
	seal, err := sealer.New(sealer.Options{
		AgeIdentity: cfg.AgeIdentity,
		Key:         cfg.SecretKey,
		Passphrase:  cfg.SecretPassphrase,
		Salt:        cfg.SecretSalt,
	})
	switch {
	case errors.Is(err, driven.ErrEncryptionKeyNotSet):
		slog.Warn("no encryption key configured, secrets and credentials are unavailable")
		seal = nil
	case err != nil:
		return nil, err
	}

	// 5. Plugin catalog.
	a.catalog, err = manifest.LoadDir(cfg.PluginsDir)
	if err != nil {
		return nil, err
	}

	// 6. Provider adapters.
	a.providers, err = buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("providers registered", "providers", a.providers.Keys())

	// 7. Wire stores and services.
	storageStore := sqliteadapter.NewStorageRepo(db)
	credentialStore := sqliteadapter.NewCredentialRepo(db, seal)
	subscriptionStore := sqliteadapter.NewSubscriptionRepo(db)
	executionStore := sqliteadapter.NewExecutionRepo(db)
	scheduleStore := sqliteadapter.NewScheduleRepo(db)
	counterStore := sqliteadapter.NewCounterRepo(db)
	knowledgeSink := sqliteadapter.NewKnowledgeRepo(db)

	storage := application.NewStorageService(storageStore, cfg.StorageMaxBytes)
	secrets := application.NewSecretsService(storage, seal, a.recorder)
	ledger := application.NewLedger(subscriptionStore, credentialStore, a.providers)
	a.broker = application.NewTokenBroker(credentialStore, a.providers, a.recorder, application.BrokerOptions{
		RefreshMargin:    cfg.RefreshMargin,
		DownscopeRefresh: cfg.DownscopeRefresh,
		VerifyScopes:     cfg.VerifyScopes,
	})
	quota := application.NewQuotaGuard(counterStore, cfg.Concurrency, 0)

	var ocrClient driven.OCRClient
	if cfg.HasOCR() {
		c, err := ocr.New(ocr.Config{Endpoint: cfg.OCREndpoint, APIKey: cfg.OCRAPIKey})
		if err != nil {
			return nil, err
		}
		ocrClient = c
	}

	cache := sandbox.NewProcessCache(processCacheSize, processCacheTTL)
	go cache.Start()
	a.closers = append(a.closers, func() error { cache.Stop(); return nil })

	a.plugins = plugin.NewRegistry()
	plugin.RegisterBuiltins(a.plugins)

	a.runner = application.NewExecutionService(application.ExecutionDeps{
		Catalog:    a.catalog,
		Validator:  manifest.NewSchemaValidator(),
		Ledger:     ledger,
		Broker:     a.broker,
		Secrets:    secrets,
		Executions: executionStore,
		Quota:      quota,
		Runtime:    a.plugins,
		Sandbox: sandbox.Deps{
			Broker:        a.broker,
			Subscriptions: ledger,
			Secrets:       secrets,
			Storage:       storage,
			Identities:    ledger,
			Knowledge:     knowledgeSink,
			OCR:           ocrClient,
			Cache:         cache,
		},
		Diagnostics: a.recorder,
	}, application.ExecutionConfig{
		DefaultTimeout: cfg.ExecTimeout,
		MaxOutputBytes: cfg.MaxOutputBytes,
	})

	a.scheduler = application.NewSchedulerService(
		scheduleStore,
		executionStore,
		counterStore,
		a.catalog,
		a.runner,
		a.recorder,
		application.SchedulerConfig{
			Interval:  cfg.TickInterval,
			BatchSize: cfg.BatchSize,
			Workers:   cfg.Workers,
			Retention: cfg.Retention,
		},
	)

	ok = true
	return a, nil
}

// buildProviders registers an adapter for every provider with a client
// registration, plus the Google service identity when a key file is set.
func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	if cfg.Google.ClientID != "" || cfg.Google.ServiceAccountKeyFile != "" {
		gcfg := provider.GoogleConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
		}
		if cfg.Google.ServiceAccountKeyFile != "" {
			key, err := os.ReadFile(cfg.Google.ServiceAccountKeyFile)
			if err != nil {
				return nil, fmt.Errorf("reading google service account key: %w", err)
			}
			gcfg.ServiceAccountKey = key
		}
		google, err := provider.NewGoogle(gcfg)
		if err != nil {
			return nil, err
		}
		reg.Register(google)
	}

	if cfg.GitHub.ClientID != "" {
		gh, err := provider.NewGitHub(provider.GitHubConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(gh)
	}

	if cfg.Microsoft.ClientID != "" {
		reg.Register(provider.NewMicrosoft(provider.MicrosoftConfig{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			Tenant:       cfg.Microsoft.Tenant,
		}))
	}

	return reg, nil
}

// close releases resources in reverse acquisition order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("error during shutdown", "error", err)
		}
	}
	a.closers = nil
}
