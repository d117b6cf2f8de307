// Command loom runs an agent execution runtime composed from loom.toml.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomkit/loom"
	"github.com/loomkit/loom/internal/config"
	"github.com/loomkit/loom/observer"
	"github.com/loomkit/loom/provider/resolve"
	"github.com/loomkit/loom/sandbox/docker"
	"github.com/loomkit/loom/sandbox/subprocess"
	"github.com/loomkit/loom/store/postgres"
	"github.com/loomkit/loom/store/sqlite"
)

func main() {
	cfg := config.Load(os.Getenv("LOOM_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	// Observability first so wrapped providers pick up the instruments.
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	embedder, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		log.Fatalf("embedding provider: %v", err)
	}
	if inst != nil {
		embedder = observer.WrapEmbedding(embedder, inst)
	}

	entries := make([]loom.RouterEntry, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := resolve.Provider(resolve.Config{
			Provider: pc.Provider,
			APIKey:   pc.APIKey,
			Model:    pc.Model,
			BaseURL:  pc.BaseURL,
		})
		if err != nil {
			log.Fatalf("provider %s: %v", pc.Provider, err)
		}
		p = loom.WithRetry(p, loom.RetryLogger(logger))
		if pc.RPM > 0 || pc.TPM > 0 {
			p = loom.WithRateLimit(p, loom.RPM(pc.RPM), loom.TPM(pc.TPM))
		}
		if inst != nil {
			p = observer.WrapProvider(p, pc.Model, inst)
		}
		models := pc.Models
		if len(models) == 0 && pc.Model != "" {
			models = []string{pc.Model}
		}
		entries = append(entries, loom.RouterEntry{
			Provider:       p,
			Priority:       pc.Priority,
			CostPerMTokUSD: pc.CostPerMTok,
			Models:         models,
		})
	}

	opts := []loom.RuntimeOption{
		loom.WithProviders(entries...),
		loom.WithRuntimeWorkers(cfg.Runtime.Workers),
		loom.WithLogger(logger),
	}
	if inst != nil {
		opts = append(opts, loom.WithTracer(observer.NewTracer()))
	}

	var closers []func() error
	switch cfg.Database.Driver {
	case "sqlite":
		store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		snaps := sqlite.NewSnapshotStore(store.DB())
		if err := snaps.Init(ctx); err != nil {
			log.Fatalf("sqlite snapshots: %v", err)
		}
		kv := sqlite.NewKV(store.DB())
		if err := kv.Init(ctx); err != nil {
			log.Fatalf("sqlite kv: %v", err)
		}
		opts = append(opts, loom.WithVectorStore(store), loom.WithSnapshotStore(snaps), loom.WithStorage(kv))
		closers = append(closers, store.Close)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		store := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		snaps := postgres.NewSnapshotStore(pool)
		if err := snaps.Init(ctx); err != nil {
			log.Fatalf("postgres snapshots: %v", err)
		}
		kv := postgres.NewKV(pool)
		if err := kv.Init(ctx); err != nil {
			log.Fatalf("postgres kv: %v", err)
		}
		opts = append(opts, loom.WithVectorStore(store), loom.WithSnapshotStore(snaps), loom.WithStorage(kv))
		closers = append(closers, func() error { pool.Close(); return nil })
	case "memory":
		// Runtime defaults to in-memory stores.
	default:
		log.Fatalf("unknown database driver %q", cfg.Database.Driver)
	}
	if cfg.Runtime.SnapshotDir != "" {
		snaps, err := loom.NewFileSnapshotStore(cfg.Runtime.SnapshotDir)
		if err != nil {
			log.Fatalf("file snapshots: %v", err)
		}
		opts = append(opts, loom.WithSnapshotStore(snaps))
	}

	switch cfg.Sandbox.Backend {
	case "subprocess":
		var sbOpts []subprocess.Option
		if cfg.Sandbox.Workspace != "" {
			sbOpts = append(sbOpts, subprocess.WithWorkspace(cfg.Sandbox.Workspace))
		}
		opts = append(opts, loom.WithSandbox(subprocess.New(cfg.Sandbox.PythonBin, sbOpts...)))
	case "docker":
		var dkOpts []docker.Option
		if cfg.Sandbox.Image != "" {
			dkOpts = append(dkOpts, docker.WithImage(cfg.Sandbox.Image))
		}
		sb, err := docker.New(dkOpts...)
		if err != nil {
			log.Fatalf("docker sandbox: %v", err)
		}
		opts = append(opts, loom.WithSandbox(sb))
		closers = append(closers, sb.Close)
	case "none", "":
	default:
		log.Fatalf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}

	rt, err := loom.New(embedder, opts...)
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}
	if inst != nil {
		bridge := observer.BridgeBus(rt.Bus(), inst)
		defer bridge.Close()
	}

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	logger.Info("runtime started",
		"workers", cfg.Runtime.Workers,
		"database", cfg.Database.Driver,
		"sandbox", cfg.Sandbox.Backend,
		"providers", len(entries))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if err := rt.Close(); err != nil {
		logger.Error("shutdown", "error", err)
	}
	for _, c := range closers {
		_ = c()
	}
}
