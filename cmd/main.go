package main

import (
	"context"
	"time"

	"github.com/hellofresh/health-go/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/packfold/registry/internal/api"
	"github.com/packfold/registry/internal/auth"
	"github.com/packfold/registry/internal/config"
	"github.com/packfold/registry/internal/db"
	"github.com/packfold/registry/internal/repository"
	"github.com/packfold/registry/internal/service"
	"github.com/packfold/registry/internal/storage"
	"github.com/packfold/registry/migrations"
	"github.com/packfold/registry/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	logger, err := logger.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting registry")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	auth.TokenSecretKey = cfg.Auth.TokenSecret

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err = pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}

	logger.Info("database connection established")

	if err = db.Migrate(ctx, cfg.Database.URL, migrations.FS); err != nil {
		logger.Fatal("failed to apply migrations", zap.Error(err))
	}

	store, err := storage.NewStore(cfg.Storage.UploadDir)
	if err != nil {
		logger.Fatal("failed to initialize artifact store", zap.Error(err))
	}
	validator := storage.NewValidator(cfg.Storage.MaxFileSize)

	transactor := db.NewPgxTransactor(pool)

	userRepo := repository.NewPgxUserRepository(pool)
	teamRepo := repository.NewPgxTeamRepository(pool)
	packageRepo := repository.NewPgxPackageRepository(pool)
	downloadRepo := repository.NewPgxDownloadRepository(pool)

	authSvc := service.NewAuthService(transactor).
		WithUserRepo(userRepo).
		WithTokenValidity(cfg.Auth.TokenValidity).
		WithMinLoginTime(cfg.Auth.MinLoginTime)
	teamSvc := service.NewTeamService(transactor).
		WithTeamRepo(teamRepo).
		WithUserRepo(userRepo)
	packageSvc := service.NewPackageService(transactor).
		WithPackageRepo(packageRepo).
		WithTeamRepo(teamRepo).
		WithUserRepo(userRepo).
		WithDownloadRepo(downloadRepo).
		WithStorage(validator, store).
		WithBaseURL(cfg.Storage.BaseURL)

	healthChecker := api.MustNewHealthChecker(health.Config{
		Name:    "postgres",
		Timeout: 2 * time.Second,
		Check:   pool.Ping,
	})

	limiter := api.NewRateLimiter()
	defer limiter.Close()

	e := echo.New()

	handler := api.NewHandler(logger).
		WithAuthService(authSvc).
		WithTeamService(teamSvc).
		WithPackageService(packageSvc).
		WithStore(store).
		WithHealthChecker(healthChecker).
		WithRateLimiter(limiter, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window).
		WithDevelopment(cfg.Server.Development)

	handler.RegisterRoutes(e)

	logger.Info("server starting", zap.String("addr", cfg.Server.Addr))
	if err = e.Start(cfg.Server.Addr); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
