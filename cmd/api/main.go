package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/pagening/sitebuilder/internal/app/migrate"
	"github.com/pagening/sitebuilder/internal/domain"
	httpx "github.com/pagening/sitebuilder/internal/http"
	"github.com/pagening/sitebuilder/internal/repository/postgres"
	"github.com/pagening/sitebuilder/internal/service/agent"
	"github.com/pagening/sitebuilder/internal/service/auth"
	"github.com/pagening/sitebuilder/internal/service/deploy"
	"github.com/pagening/sitebuilder/internal/service/plan"
	"github.com/pagening/sitebuilder/internal/service/project"
	"github.com/pagening/sitebuilder/pkg/config"
	"github.com/pagening/sitebuilder/pkg/logger"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("api", cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	minDeployPlan, ok := domain.ParsePlan(cfg.MinDeployPlan)
	if !ok {
		log.Error("invalid MIN_DEPLOY_PLAN", "value", cfg.MinDeployPlan)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	limiter := httpx.NewMemoryRateLimiter()
	var locker deploy.Locker = deploy.NewMemoryLocker()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using in-process rate limiter and deploy lock", "addr", addr, "error", err)
			_ = client.Close()
		} else {
			defer client.Close()
			limiter.Close()
			limiter = httpx.NewRedisRateLimiter(client, log)
			locker = deploy.NewRedisLocker(client, log)
			log.Info("redis enabled for rate limiting and deploy lock", "addr", addr)
		}
	}

	agentClient := agent.New(cfg)
	if err := agentClient.Configured(); err != nil {
		log.Warn("deploy agent not configured, deploys will fail until it is", "error", err)
	}

	authSvc := auth.New(repo, log, cfg)
	planSvc := plan.New(repo, log)
	projectSvc := project.New(repo, log)
	deploySvc := deploy.New(repo, agentClient, locker, httpx.NewDeployMetrics(), log, cfg)

	router := httpx.NewRouter(log, authSvc, planSvc, projectSvc, deploySvc, limiter, minDeployPlan, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// deploys wait on the agent
		WriteTimeout: cfg.DeployAgentTimeout + 15*time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment, "min_deploy_plan", minDeployPlan.String())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
