package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/mind-orchestrator/mind/internal/auth"
	"github.com/mind-orchestrator/mind/internal/catalog"
	"github.com/mind-orchestrator/mind/internal/config"
	"github.com/mind-orchestrator/mind/internal/containers"
	"github.com/mind-orchestrator/mind/internal/deploy"
	"github.com/mind-orchestrator/mind/internal/gpuinspect"
	"github.com/mind-orchestrator/mind/internal/reconcile"
	"github.com/mind-orchestrator/mind/internal/router"
	"github.com/mind-orchestrator/mind/internal/server"
	"github.com/mind-orchestrator/mind/internal/store"
	"github.com/mind-orchestrator/mind/internal/store/memstore"
	"github.com/mind-orchestrator/mind/internal/store/redisstore"
)

var (
	name    = "mind"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	sup, err := containers.New()
	if err != nil {
		return fmt.Errorf("failed to connect to container runtime: %w", err)
	}

	gpu := gpuinspect.New()
	go gpu.Run(ctx)

	cat := catalog.Default()

	rtr := router.New(cfg.Router.IncludePath, cfg.Router.ReloadCommand, cfg.Router.UpstreamHost, cfg.Router.UpstreamPort)

	engine := deploy.New(st, sup, gpu, cat, rtr, deploy.EngineConfig{
		EnginePort:     cfg.Containers.EnginePort,
		NetworkName:    cfg.Containers.NetworkName,
		ModelStorePath: cfg.Containers.ModelStorePath,
		BasePort:       cfg.Containers.BasePort,
	})

	rec := reconcile.New(st, sup, cat, rtr, engine)
	go rec.Run(ctx)

	a := auth.New(st, cfg.AuthUsername, cfg.AuthPasswordHash, cfg.JWTSecret, cfg.SessionTimeout)

	srv := server.New(server.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Service: config.Service,
	}, a, engine, gpu)

	slog.Info("mind orchestrator starting", "store_backend", cfg.StoreBackend)
	return srv.Start(ctx)
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		return redisstore.New(cfg.RedisHost, cfg.RedisPort)
	case "memory", "":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
