package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sourceplane/liteflow/internal/cache"
	"github.com/sourceplane/liteflow/internal/config"
	"github.com/sourceplane/liteflow/internal/runner"
)

// cacheBackend is the configured result cache and the bake history kept next to it
type cacheBackend struct {
	cache   *cache.Cache
	history cache.BakeStore
	close   func()
}

// openCache builds the result cache for the configured backend. Close
// releases backend resources.
func openCache(ctx context.Context, cfg *config.Config) (*cacheBackend, error) {
	b := &cacheBackend{close: func() {}}
	var store interface {
		cache.Store
		cache.BakeStore
	}
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		store = cache.NewMemoryStore()
	case config.CacheFile:
		store = cache.NewFileStore(cfg.Cache.Dir)
	case config.CachePostgres:
		pool, err := cache.NewPool(ctx, cfg.Cache.DSN)
		if err != nil {
			return nil, err
		}
		pg := cache.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		store, b.close = pg, pool.Close
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	b.cache = cache.New(store, cache.WithPolicy(cache.MaxAge{Default: cfg.Cache.MaxAge}))
	b.history = store
	return b, nil
}

// localRunner runs jobs on this host and records them in the jobs directory
func localRunner(s *session) *runner.Runner {
	r := runner.NewRunner(s.ws.Root, os.Stdout, os.Stderr)
	r.JobsDir = s.cfg.JobsDir
	return r
}
