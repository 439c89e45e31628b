package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/stbgate/internal/cache"
	"github.com/voyagen/stbgate/internal/config"
	"github.com/voyagen/stbgate/internal/logging"
	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/portal"
	"github.com/voyagen/stbgate/internal/proxy"
	"github.com/voyagen/stbgate/internal/scheduler"
	"github.com/voyagen/stbgate/internal/server"
	"github.com/voyagen/stbgate/internal/service"
	"github.com/voyagen/stbgate/internal/store"
)

// deviceScanInterval is how often new or removed device profiles are picked up.
const deviceScanInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use env DATABASE_URL")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("stbgate", cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("stbgate stopped")
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureExtensions(cfg.DatabaseURL, store.RequiredExtensions...); err != nil {
		return fmt.Errorf("extensions: %w", err)
	}
	if err := store.RunMigrations(cfg.DatabaseURL, "file://"+migrationsDir(cfg.MigrationsPath)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pg.Close()

	// Redis is optional; without it the token cache and read-through cache
	// live in process memory and triggers run directly.
	var (
		rds *cache.Redis
		kv  cache.KV
	)
	if cfg.RedisURL != "" {
		rds, err = cache.New(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rds.Close()
		if err := rds.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		kv = rds
		log.Info("redis connected")
	} else {
		kv = cache.NewMemory()
		log.Info("redis disabled (REDIS_URL not set), using in-memory cache")
	}

	appStore := store.NewCachedStore(pg, kv, log.WithField("component", "store"))
	tokens := cache.NewTokenCache(kv, cfg.TimeoutTTL)

	registry, err := portal.NewRegistry(appStore, tokens, portal.Options{
		UserAgent:      cfg.PortalUserAgent,
		Timeout:        cfg.PortalTimeout,
		RateLimit:      cfg.PortalRateLimit,
		FailureMarkers: cfg.FailureMarkers,
		TokenTTL:       cfg.TokenTTL,
	}, cfg.DeviceCacheSize, log.WithField("component", "portal"))
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	syncer := service.NewSyncer(appStore, service.Options{
		GuideBatchSize:     cfg.GuideBatchSize,
		GuideBatchMaxDelay: cfg.GuideBatchMaxDelay,
		GuideRoundTimes:    cfg.GuideRoundTimes,
	}, log)

	sched := scheduler.New(kv, 0, log.WithField("component", "scheduler"))
	defer sched.Stop()
	sched.Handle(models.TaskSyncCatalog, func(ctx context.Context, uid uuid.UUID) error {
		c, err := registry.Client(ctx, uid)
		if err != nil {
			return err
		}
		_, err = syncer.SyncCatalog(ctx, c)
		return err
	})
	sched.Handle(models.TaskSyncGuides, func(ctx context.Context, uid uuid.UUID) error {
		c, err := registry.Client(ctx, uid)
		if err != nil {
			return err
		}
		_, err = syncer.SyncGuides(ctx, c)
		return err
	})

	intervals := map[string]time.Duration{
		models.TaskSyncCatalog: cfg.CatalogInterval,
		models.TaskSyncGuides:  cfg.GuideInterval,
	}
	devices := &deviceWatcher{store: appStore, sched: sched, registry: registry, intervals: intervals, log: log}
	if err := devices.scan(ctx); err != nil {
		return fmt.Errorf("register devices: %w", err)
	}
	go devices.watch(ctx, deviceScanInterval)

	var trigger server.Triggerer = sched
	if rds != nil {
		trigger = queueTrigger{rds: rds}
		go runSyncWorker(ctx, rds, sched, log.WithField("component", "worker"))
	}

	streams, err := proxy.New(appStore, func(ctx context.Context, uid uuid.UUID) (proxy.LinkResolver, error) {
		c, err := registry.Client(ctx, uid)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, proxy.Options{
		UserAgent:       cfg.PortalUserAgent,
		Timeout:         cfg.PortalTimeout,
		ChunkSize:       cfg.StreamChunkSize,
		SealerCacheSize: cfg.DeviceCacheSize,
	}, log.WithField("component", "proxy"))
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	srv := server.New(appStore, streams, trigger, cfg, log.WithField("component", "http"))
	return srv.ListenAndServe(ctx)
}

// migrationsDir resolves the migrations directory relative to the working
// directory, then next to the executable.
func migrationsDir(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if _, err := os.Stat(abs); err != nil {
		if exe, e := os.Executable(); e == nil {
			abs = filepath.Join(filepath.Dir(exe), path)
		}
	}
	return abs
}
