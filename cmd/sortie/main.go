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

	"github.com/redis/go-redis/v9"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"

	app "github.com/kode4food/sortie"
	"github.com/kode4food/sortie/internal/broadcast"
	"github.com/kode4food/sortie/internal/config"
	"github.com/kode4food/sortie/internal/engine"
	"github.com/kode4food/sortie/internal/procexec"
	"github.com/kode4food/sortie/internal/sandbox"
	"github.com/kode4food/sortie/internal/server"
	"github.com/kode4food/sortie/internal/store"
	"github.com/kode4food/sortie/internal/workflow"
	"github.com/kode4food/sortie/pkg/log"
)

type sortie struct {
	cfg         *config.Config
	redis       *redis.Client
	bucket      *blob.Bucket
	store       store.Store
	registry    *workflow.Registry
	broadcaster *broadcast.Broadcaster
	engine      *engine.Engine
	apiServer   *server.Server
	httpServer  *http.Server
	quit        chan os.Signal
}

var (
	ErrConnectRedis = errors.New("failed to connect to redis")
	ErrOpenBucket   = errors.New("failed to open artifact bucket")
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	s := &sortie{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		os.Exit(1)
	}
}

func (s *sortie) run() error {
	if err := s.initializeStore(); err != nil {
		return err
	}

	if err := s.initializeEngine(); err != nil {
		return err
	}
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *sortie) setupLogging() {
	level, ok := logLevels[s.cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}

	env := os.Getenv("ENV")
	logger := log.NewWithLevel(app.Name, env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Sortie Engine starting",
		slog.String("log_level", s.cfg.LogLevel))

	slog.Info("Configuration loaded",
		slog.String("redis_addr", s.cfg.RedisAddr),
		slog.Int("redis_db", s.cfg.RedisDB),
		slog.String("bucket_url", s.cfg.BucketURL),
		slog.String("data_dir", s.cfg.DataDir),
		slog.String("sandbox_image", s.cfg.SandboxImage),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort))
}

func (s *sortie) initializeStore() error {
	s.redis = redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	})
	if err := s.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectRedis, err)
	}

	bucket, err := blob.OpenBucket(context.Background(), s.cfg.BucketURL)
	if err != nil {
		_ = s.redis.Close()
		return fmt.Errorf("%w: %w", ErrOpenBucket, err)
	}
	s.bucket = bucket

	s.store = store.NewRedisStore(s.redis, s.bucket, s.cfg.RedisPrefix)
	return nil
}

func (s *sortie) initializeEngine() error {
	logger := slog.Default()
	s.registry = workflow.NewRegistry()
	s.broadcaster = broadcast.NewBroadcaster(logger)

	s.engine = engine.New(
		s.store,
		s.registry,
		sandbox.NewProvider(logger, s.cfg.SandboxImage, s.cfg.OwnerLabel),
		procexec.NewOrchestrator(logger, s.cfg.LogTailBytes),
		s.broadcaster,
		s.cfg,
		logger,
	)
	return s.engine.Init(context.Background())
}

func (s *sortie) startServer() {
	s.apiServer = server.NewServer(
		s.engine, s.broadcaster, s.registry, s.cfg,
	)
	s.apiServer.StartHeartbeats()
	mux := s.apiServer.SetupRoutes()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler: mux,
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (s *sortie) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}

	s.apiServer.Shutdown()
	s.engine.Stop()

	_ = s.bucket.Close()
	_ = s.redis.Close()

	slog.Info("Server exited")
}
