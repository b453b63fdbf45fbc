package main

import (
	"context"

	"go.uber.org/zap"

	"excursion-sync-service/internal/config"
	"excursion-sync-service/internal/connectivity"
	"excursion-sync-service/internal/events"
	"excursion-sync-service/internal/excursion"
	"excursion-sync-service/internal/logger"
	"excursion-sync-service/internal/media"
	"excursion-sync-service/internal/preflight"
	"excursion-sync-service/internal/queue"
	"excursion-sync-service/internal/store"
	"excursion-sync-service/internal/sync"
	"excursion-sync-service/internal/transport"
)

// app is the fully wired engine.
type app struct {
	cfg        *config.Config
	store      *store.SQLStore
	queue      *queue.Queue
	bus        *events.Bus
	client     *transport.Client
	monitor    *connectivity.Monitor
	watcher    *connectivity.InterfaceWatcher
	syncer     *sync.Manager
	loader     *preflight.Loader
	excursions *excursion.Manager
}

func openStore(cfg *config.Config) (*store.SQLStore, error) {
	s, err := store.NewSQLStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Local store opened", zap.String("type", cfg.Store.Type))
	return s, nil
}

func newClient(cfg *config.Config) *transport.Client {
	return transport.NewClient(cfg.Transport.BaseURL,
		transport.WithTimeout(cfg.Transport.GetRequestTimeout()),
		transport.WithTenant(cfg.Transport.TenantID),
		transport.WithTokenProvider(transport.StaticToken(cfg.Transport.APIToken)),
	)
}

func newApp(cfg *config.Config) (*app, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		store:  s,
		queue:  queue.New(s, cfg.Sync.DefaultMaxRetries),
		bus:    events.NewBus(),
		client: newClient(cfg),
	}
	a.monitor = connectivity.NewMonitor(
		transport.NewHealthProber(a.client, cfg.Transport.HealthPath),
		cfg.Connectivity.GetProbeTimeout(),
	)
	a.watcher = connectivity.NewInterfaceWatcher(a.monitor, 0, nil)

	deps := sync.Deps{
		Store:        s,
		Queue:        a.queue,
		Sender:       a.client,
		Connectivity: a.monitor,
		Bus:          a.bus,
	}
	if cfg.Fallback.Enabled && cfg.Fallback.URL != "" {
		deps.Fallback = transport.NewFallback(cfg.Fallback.URL, cfg.Sync.GetFallbackTimeout())
	}
	if cfg.Media.Enabled {
		uploader, err := media.NewS3Uploader(cfg.Media, s)
		if err != nil {
			s.Close()
			return nil, err
		}
		deps.Media = uploader
	}
	a.syncer = sync.NewManager(deps, sync.OptionsFromConfig(cfg.Sync))

	a.loader = preflight.NewLoader(s, a.client)
	a.excursions = excursion.NewManager(excursion.Deps{
		Store:        s,
		Queue:        a.queue,
		Sync:         a.syncer,
		Connectivity: a.monitor,
		Bus:          a.bus,
		Media:        media.NewBlobStore(s),
		Cache:        a.loader,
	})
	return a, nil
}

// start begins network watching, periodic probes and auto-sync.
func (a *app) start(ctx context.Context) {
	a.watcher.Start()
	a.monitor.CheckReachability(ctx)
	a.monitor.StartPeriodicChecks(a.cfg.Connectivity.GetCheckInterval())
	a.syncer.Start()
}

// close tears everything down; the excursion manager closes the store.
func (a *app) close() {
	a.watcher.Stop()
	if err := a.excursions.Destroy(); err != nil {
		logger.Log.Warn("Failed to close local store", zap.Error(err))
	}
}
