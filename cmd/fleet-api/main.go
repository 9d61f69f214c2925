package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"fleetboard/api"
	"fleetboard/config"
	"fleetboard/storage"
	"fleetboard/stream"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tables, err := storage.New(cfg.StorageConnection, cfg.WorkOrdersTable, cfg.BoardEventsQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	redisOpts, err := config.RedisOptions(cfg.RedisConnection)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	var auth *api.Auth
	if cfg.LocalAuth {
		log.Warn("local auth mode enabled, accepting HS256 tokens")
		auth = api.NewLocalAuth([]byte(cfg.LocalAuthSecret))
	} else {
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/")
	}

	logger := log.StandardLogger()
	hub := stream.NewHub(logger)
	defer hub.Close()
	go stream.SubscribeUpdates(ctx, logger, rc, cfg.BoardUpdatesChannel, hub)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Decompress())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, api.Deps{
		Store:     storage.NewCache(tables, rc, cfg.SnapshotCacheTTL),
		Auth:      auth,
		Deduper:   api.NewRedisDeduper(rc, cfg.DeduperTTL),
		Publisher: stream.NewPublisher(rc, cfg.BoardUpdatesChannel),
		Health:    func(ctx context.Context) error { return rc.Ping(ctx).Err() },
		Logger:    logger,
	})
	stream.Register(e, hub, auth, logger)
	if cfg.Debug {
		pprof.Register(e)
	}

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	log.WithField("addr", cfg.ListenAddr).Info("fleet-api started")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
	log.Info("fleet-api stopped")
}
