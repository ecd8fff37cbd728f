package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/launchpad/launchpad/internal/config"
	"github.com/launchpad/launchpad/internal/devserver"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	seed := flag.String("seed", "", "comma separated name:email:password accounts to create at startup")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ValidateDevServer(); err != nil {
		logger.WithError(err).Fatal("Invalid dev server configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	refreshTokens, err := initRefreshTokenStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize refresh token store")
	}

	srv, err := devserver.New(&cfg.DevServer, refreshTokens, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize dev server")
	}
	if err := seedUsers(srv, *seed, logger); err != nil {
		logger.WithError(err).Fatal("Failed to seed users")
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.DevServer.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.DevServer.Port).Info("Starting dev server")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initRefreshTokenStore(cfg *config.Config, logger *logrus.Logger) (devserver.RefreshTokenStore, error) {
	if cfg.DevServer.TokenBackend != "redis" {
		return devserver.NewMemoryRefreshTokenStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis refresh token store initialized")
	return devserver.NewRedisRefreshTokenStore(client, logger), nil
}

func seedUsers(srv *devserver.Server, accounts string, logger *logrus.Logger) error {
	if accounts == "" {
		return nil
	}
	for _, entry := range strings.Split(accounts, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("invalid seed entry %q, want name:email:password", entry)
		}
		user, err := srv.AddUser(parts[0], parts[1], parts[2])
		if err != nil {
			return fmt.Errorf("failed to seed %s: %w", parts[1], err)
		}
		logger.WithFields(logrus.Fields{
			"user_id": user.ID,
			"email":   user.Email,
		}).Info("Seeded user")
	}
	return nil
}
