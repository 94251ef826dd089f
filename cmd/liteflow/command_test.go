package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/liteflow/internal/cache"
	"github.com/sourceplane/liteflow/internal/config"
	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/live"
	"github.com/sourceplane/liteflow/internal/scheduler"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"env=prod", "tag=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod", "tag": "a=b", "empty": ""}, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestOpenCache(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{config.CacheMemory, config.CacheFile} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.Default()
			cfg.Cache.Backend = backend
			cfg.Cache.Dir = filepath.Join(t.TempDir(), "cache")

			b, err := openCache(ctx, cfg)
			require.NoError(t, err)
			defer b.close()
			c := b.cache

			now := time.Now()
			require.NoError(t, c.Store(ctx, &cache.Record{
				Fingerprint: "fp",
				NodeID:      "build",
				Status:      cache.StatusSuccess,
				Outputs:     map[string]string{"tag": "v1"},
				StartedAt:   now,
				FinishedAt:  now,
			}))
			rec, ok, err := c.Lookup(ctx, "fp")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v1", rec.Outputs["tag"])
		})
	}

	cfg := config.Default()
	cfg.Cache.Backend = "redis"
	_, err := openCache(ctx, cfg)
	assert.Error(t, err)
}

func TestOpenCacheKeepsBakeHistory(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Cache.Backend = config.CacheFile
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "cache")

	b, err := openCache(ctx, cfg)
	require.NoError(t, err)
	defer b.close()
	require.NotNil(t, b.history)

	require.NoError(t, b.history.PutBake(ctx, &cache.Bake{ID: "run-1", ProjectID: "demo", FlowID: "nightly", Status: "success", Started: time.Now()}))
	_, err = b.cache.Clear(ctx)
	require.NoError(t, err)

	got, err := b.history.GetBake(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.FlowID)
}

func TestCacheFilterNeedsFlowForNode(t *testing.T) {
	_, err := cacheFilter("demo", "", "build")
	assert.Error(t, err)

	f, err := cacheFilter("demo", "nightly", "build")
	require.NoError(t, err)
	assert.Equal(t, cache.Filter{ProjectID: "demo", FlowID: "nightly", NodeID: "build"}, f)
}

func TestBakeStopsWhenMetricsServerFails(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cancelled := make(chan struct{})
	_, err = bakeWithMetrics(context.Background(), l.Addr().String(), prometheus.NewRegistry(), slog.Default(),
		func(ctx context.Context) (*scheduler.RunResult, error) {
			select {
			case <-ctx.Done():
				close(cancelled)
				return &scheduler.RunResult{Status: scheduler.RunCancelled}, nil
			case <-time.After(10 * time.Second):
				return &scheduler.RunResult{Status: scheduler.RunSuccess}, nil
			}
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics server failed")
	select {
	case <-cancelled:
	default:
		t.Fatal("bake was not cancelled")
	}
}

func TestBakeWithoutMetrics(t *testing.T) {
	res, err := bakeWithMetrics(context.Background(), "", prometheus.NewRegistry(), slog.Default(),
		func(context.Context) (*scheduler.RunResult, error) {
			return &scheduler.RunResult{Status: scheduler.RunSuccess}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, scheduler.RunSuccess, res.Status)
}

func TestWriteInstances(t *testing.T) {
	var buf bytes.Buffer
	writeInstances(&buf, nil)
	assert.Equal(t, "No running jobs\n", buf.String())

	buf.Reset()
	writeInstances(&buf, []live.Instance{
		{Job: executor.Job{Handle: executor.Handle{ID: "shell#1a2b3c4d"}, Started: time.Now()}, JobID: "shell", Suffix: "ab"},
	})
	assert.Contains(t, buf.String(), "shell (suffix ab)")
	assert.Contains(t, buf.String(), "shell#1a2b3c4d")
}
