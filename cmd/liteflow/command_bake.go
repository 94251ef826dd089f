package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sourceplane/liteflow/internal/batch"
	"github.com/sourceplane/liteflow/internal/ctxlog"
	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/observe"
	"github.com/sourceplane/liteflow/internal/render"
	"github.com/sourceplane/liteflow/internal/runner"
	"github.com/sourceplane/liteflow/internal/scheduler"
)

var (
	bakeNoCache     bool
	bakeMetricsAddr string
	bakePlanOut     string
)

var bakeCmd = &cobra.Command{
	Use:   "bake <batch>",
	Short: "Run a batch flow",
	Long:  "Plan the batch flow, then run every node in dependency order. Nodes whose inputs did not change since a successful run are served from the cache.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bake(cmd, args[0])
	},
}

func registerBakeCommand(root *cobra.Command) {
	root.AddCommand(bakeCmd)

	bakeCmd.Flags().StringArrayVarP(&paramFlags, "param", "p", nil, "Flow parameter as key=value (repeatable)")
	bakeCmd.Flags().IntVarP(&maxParallel, "max-parallel", "j", 0, "Maximum number of nodes running at once")
	bakeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the jobs instead of running them")
	bakeCmd.Flags().BoolVar(&bakeNoCache, "no-cache", false, "Run every node, ignoring cached results")
	bakeCmd.Flags().StringVar(&bakeMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while baking")
	bakeCmd.Flags().StringVar(&bakePlanOut, "plan-out", "", "Also write the plan to this file (json or yaml)")
}

func bake(cmd *cobra.Command, id string) error {
	ctx, s, err := open(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := ctxlog.FromContext(ctx)

	fmt.Printf("□ Planning %s...\n", id)
	plan, err := batch.Load(ctx, s.ws, id, s.inputs)
	if err != nil {
		return fmt.Errorf("failed to plan %s: %w", id, err)
	}
	fmt.Printf("✓ %d nodes planned\n", plan.Graph.Len())
	if bakePlanOut != "" {
		if err := render.NewRenderer().WritePlan(plan.Graph.Plan(), bakePlanOut); err != nil {
			return err
		}
	}

	opts := batch.Options{
		MaxParallel:  s.cfg.MaxParallel,
		CancelGrace:  s.cfg.CancelGrace,
		PollInterval: s.cfg.PollInterval,
	}
	if !dryRun {
		b, err := openCache(ctx, s.cfg)
		if err != nil {
			return err
		}
		defer b.close()
		if !bakeNoCache {
			opts.Cache = b.cache
		}
		opts.History = b.history
	}

	observers := []scheduler.Observer{render.NewProgress(os.Stdout), observe.NewLog(ctx)}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observers = append(observers, observe.NewMetrics(reg))
	if s.cfg.AMQPURL != "" {
		pub, err := observe.DialAMQP(ctx, s.cfg.AMQPURL, s.cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer pub.Close()
		observers = append(observers, pub)
	}
	opts.Observer = observe.Multi(observers...)

	var exec executor.Executor = localRunner(s)
	if dryRun {
		fmt.Println("□ Dry-run mode enabled. Jobs are printed, not run.")
		exec = runner.NewDryRun(os.Stdout)
	}

	addr := s.cfg.MetricsAddr
	if bakeMetricsAddr != "" {
		addr = bakeMetricsAddr
	}

	res, err := bakeWithMetrics(ctx, addr, reg, logger, func(bakeCtx context.Context) (*scheduler.RunResult, error) {
		return plan.Bake(bakeCtx, exec, opts)
	})
	if err != nil {
		return err
	}

	render.WriteSummary(os.Stdout, res)
	switch res.Status {
	case scheduler.RunSuccess:
		fmt.Println("✓ Bake complete")
		return nil
	case scheduler.RunCancelled:
		return errors.New("bake cancelled")
	}
	return fmt.Errorf("bake %s: %s", res.RunID, res.Status)
}

// bakeWithMetrics runs bake while serving metrics on addr. A failing metrics
// server cancels the bake.
func bakeWithMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger, bake func(context.Context) (*scheduler.RunResult, error)) (*scheduler.RunResult, error) {
	var res *scheduler.RunResult
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		var err error
		res, err = bake(gctx)
		return err
	})
	if addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, done, addr, reg, logger)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// serveMetrics serves /metrics and /healthz until the bake is done
func serveMetrics(ctx context.Context, done <-chan struct{}, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-done:
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
