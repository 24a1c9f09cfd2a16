package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/klamai/proposal-dispatch/internal/app"
	"github.com/klamai/proposal-dispatch/internal/config"
	"github.com/klamai/proposal-dispatch/internal/handlers"
	"github.com/klamai/proposal-dispatch/internal/queue"
	xhttp "github.com/klamai/proposal-dispatch/pkg/http"
	"github.com/klamai/proposal-dispatch/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()
	logger.Info("starting proposal-dispatch api", "version", version, "commit", commit, "date", date)

	if err := config.Load(app.EnvPath(os.Args)); err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()

	db, err := app.OpenPostgres(cfg)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	rds, err := app.OpenRedis(cfg)
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}
	if rds == nil {
		logger.Warn("REDIS_ADDR not set, running without dispatch lock and async queue")
	}

	if err := app.StartMetrics(cfg); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	var jobs handlers.JobPublisher
	if rds != nil {
		q, err := queue.New(rds, app.QueueConfig(cfg))
		if err != nil {
			logger.Error("failed creating queue", "error", err)
			return
		}
		jobs = q
	}

	dispatcher := app.NewDispatcher(cfg, db, rds)
	tokenService := app.NewTokenService(db)
	if cfg.SupabaseJWTSecret == "" {
		logger.Warn("SUPABASE_JWT_SECRET is empty, authenticated routes will reject every request")
	}
	auth := xhttp.AuthMiddleware(cfg.SupabaseJWTSecret)
	staff := app.StaffRoles(cfg)

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadTimeout = cfg.HttpServerReadTimeout
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.CORSMiddleware)
	s.Use(xhttp.CompressMiddleware(cfg.HttpCompressLevel))
	s.Router = xhttp.CreateDefaultRouter()

	g := s.Router.Group("/api/v1")
	handlers.RegisterProposalRoutes(s.Router, g, handlers.NewProposalHandler(dispatcher, jobs, cfg.HttpRequestTimeout, staff), auth)
	handlers.RegisterTokenRoutes(g, handlers.NewTokenHandler(tokenService, staff), auth)
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(app.HealthService(db, rds)))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	s.Shutdown()
}
