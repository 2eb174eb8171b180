package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"pondycafe/backend/internal/cache"
	"pondycafe/backend/internal/config"
	"pondycafe/backend/internal/httpapi"
	"pondycafe/backend/internal/invoicing"
	"pondycafe/backend/internal/logging"
	"pondycafe/backend/internal/service"
	"pondycafe/backend/internal/store"
	"pondycafe/backend/internal/store/memory"
	mysqlstore "pondycafe/backend/internal/store/mysql"
	pgstore "pondycafe/backend/internal/store/postgres"
)

func main() {
	app := &cli.App{
		Name:   "pondy-cafe",
		Usage:  "Pondy Cafe billing backend",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serve,
			},
			{
				Name:      "migrate",
				Usage:     "apply or roll back the database schema",
				ArgsUsage: "up|down",
				Action:    runMigrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("pondy-cafe stopped with error")
	}
}

func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return config.Config{}, nil, errors.WithMessage(err, "invalid configuration")
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), nil
}

func runMigrate(c *cli.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required to run migrations")
	}

	direction := c.Args().First()
	if direction == "" {
		direction = "up"
	}
	return migrateSchema(cfg, direction, log)
}

func migrateSchema(cfg config.Config, direction string, log *logrus.Logger) error {
	entry := log.WithField("driver", cfg.DatabaseDriver)
	if cfg.DatabaseDriver == config.DriverMySQL {
		return mysqlstore.Migrate(cfg.DatabaseURL, direction, entry)
	}
	return pgstore.Migrate(cfg.DatabaseURL, direction, entry)
}

func openRepository(ctx context.Context, cfg config.Config, log *logrus.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Info("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}

	if cfg.MigrateOnStart {
		if err := migrateSchema(cfg, "up", log); err != nil {
			return nil, nil, err
		}
	}

	switch cfg.DatabaseDriver {
	case config.DriverMySQL:
		my, err := mysqlstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "mysql unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		log.Info("repository: mysql")
		return my, my.Close, nil
	default:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		log.Info("repository: postgres")
		return pg, pg.Close, nil
	}
}

func serve(_ *cli.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	catalog := cache.CatalogCache(cache.NoopCatalogCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCatalogCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unavailable, using noop catalog cache")
			_ = redisCache.Close()
		} else {
			catalog = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("cache: redis")
		}
	} else {
		log.Info("cache: noop")
	}

	processor := invoicing.New(repo, invoicing.WithMaxAttempts(cfg.InvoiceMaxAttempts))
	svc := service.New(repo, processor, service.WithCatalogCache(catalog, cfg.CatalogCacheTTL()))
	api := httpapi.New(svc, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Address()).Info("Pondy Cafe backend listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-sig:
	case err, ok := <-serverErr:
		if ok {
			runErr = errors.Wrap(err, "server error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Warn("close error")
		}
	}

	log.Info("server stopped")
	return runErr
}

func validateConfig(cfg config.Config) error {
	if cfg.Port == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.MigrateOnStart && cfg.DatabaseURL == "" {
		return errors.New("MIGRATE_ON_START requires DATABASE_URL")
	}
	if cfg.AllowedOrigin == "" {
		return errors.New("ALLOWED_ORIGIN must not be empty")
	}
	return nil
}
