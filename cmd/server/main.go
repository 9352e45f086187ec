package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"grimoire/internal/app"
	"grimoire/internal/config"
	"grimoire/internal/imaging"
	"grimoire/internal/server"
	"grimoire/internal/storage"
	"grimoire/internal/store"
	"grimoire/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jwtTTL, err := config.ParseDuration("jwtTTL", cfg.JWTTTL)
	if err != nil {
		log.Fatalf("failed to parse jwt ttl: %v", err)
	}
	jwtLeeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	imageTimeout, err := config.ParseDuration("imageTimeout", cfg.ImageTimeout)
	if err != nil {
		log.Fatalf("failed to parse image timeout: %v", err)
	}

	var catalog store.Store
	switch cfg.StoreBackend {
	case "memory":
		catalog = store.NewMemoryStore()
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		catalog, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init database: %v", err)
		}
	}

	var objects storage.ObjectStore
	var uploads *storage.FileStore
	switch cfg.StorageBackend {
	case "minio":
		objects, err = storage.NewMinioStore(
			cfg.MinioEndpoint,
			cfg.MinioAccessKey,
			cfg.MinioSecretKey,
			cfg.MinioBucket,
			cfg.MinioPublicBaseURL,
			cfg.MinioUseSSL,
		)
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
	default:
		uploads, err = storage.NewFileStore(cfg.UploadDir, "/uploads")
		if err != nil {
			log.Fatalf("failed to init upload directory: %v", err)
		}
		objects = uploads
	}

	var revoker store.TokenRevoker
	if cfg.RedisAddr != "" {
		revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		revoker = store.NewMemoryTokenRevoker()
		logger.Warn("using in-memory token revocation, logout does not survive restarts")
	}
	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, jwtTTL, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:         catalog,
		Objects:       objects,
		Images:        imaging.NewProcessor(cfg.ImageWidth, cfg.ImageQuality, imageTimeout),
		RatingMin:     cfg.RatingMin,
		RatingMax:     cfg.RatingMax,
		TopRatedLimit: cfg.TopRatedLimit,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Sessions:       sessions,
		Uploads:        uploads,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("catalog server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
