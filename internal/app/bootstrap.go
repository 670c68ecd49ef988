package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"funnelsync/api/internal/archive"
	"funnelsync/api/internal/cache"
	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/config"
	"funnelsync/api/internal/history"
	"funnelsync/api/internal/lease"
	"funnelsync/api/internal/platform"
	"funnelsync/api/internal/search"
	"funnelsync/api/internal/store"
)

// Runtime is a fully wired service plus the cleanup for what it opened.
type Runtime struct {
	Service *Service
	closers []func()
}

func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Bootstrap connects every configured backend and wires the service. Optional
// backends (Redis, Meilisearch, object storage, the platform) are skipped when
// unconfigured; Redis and Meilisearch failures degrade to in-process fallbacks.
func Bootstrap(ctx context.Context, cfg config.Config) (*Runtime, error) {
	rt := &Runtime{}
	deps := Deps{}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	deps.Catalog = cat

	switch cfg.ContentStore {
	case "memory":
		log.Printf("Using in-memory content store (data is lost on restart)")
		deps.Store = store.NewMemoryStore()
	case "", "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir)); err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		deps.Store = store.NewPostgresStore(db)
	default:
		return nil, fmt.Errorf("unknown CONTENT_STORE %q", cfg.ContentStore)
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		locker, err := lease.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, using in-process leases and cache: %v", err)
		} else {
			log.Printf("Using Redis for section leases and metrics cache")
			rt.closers = append(rt.closers, func() { _ = locker.Close() })
			deps.Locker = locker
			deps.Cache = cache.NewRedisBackend(locker.Client())
		}
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliKey)
		rt.closers = append(rt.closers, meili.Close)
	}
	deps.Search = search.NewService(meili, deps.Store)

	if cfg.HistoryDir != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			rt.Close()
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		deps.History = history.New(cfg.HistoryDir)
	}

	archiveStore, err := archive.New(archive.Config{
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Bucket:    cfg.ArchiveBucket,
		UseSSL:    cfg.ArchiveUseSSL,
		LinkTTL:   cfg.ArchiveLinkTTL,
	})
	switch {
	case errors.Is(err, archive.ErrDisabled):
	case err != nil:
		log.Printf("WARNING: export archive disabled: %v", err)
	default:
		if err := archiveStore.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: export archive disabled: %v", err)
		} else {
			deps.Archive = archiveStore
		}
	}

	if strings.TrimSpace(cfg.PlatformBaseURL) != "" {
		deps.Platform = platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformToken, cfg.PlatformTimeout)
	} else {
		log.Printf("PLATFORM_BASE_URL not set, push is disabled")
	}

	rt.Service = New(cfg, deps)
	return rt, nil
}
