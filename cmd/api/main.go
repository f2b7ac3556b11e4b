package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/backend"
	"github.com/suPer8Hu/genstudio/internal/config"
	"github.com/suPer8Hu/genstudio/internal/db"
	"github.com/suPer8Hu/genstudio/internal/dispatch"
	"github.com/suPer8Hu/genstudio/internal/generation"
	"github.com/suPer8Hu/genstudio/internal/httpapi"
	"github.com/suPer8Hu/genstudio/internal/httpapi/handlers"
	"github.com/suPer8Hu/genstudio/internal/logger"
	"github.com/suPer8Hu/genstudio/internal/moderation"
	"github.com/suPer8Hu/genstudio/internal/observability"
	"github.com/suPer8Hu/genstudio/internal/storage"
	"github.com/suPer8Hu/genstudio/internal/store/rabbitmq"
	"github.com/suPer8Hu/genstudio/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.AppEnv, "api")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	sentryOn, flush := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv, log)
	defer flush()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	layout, err := storage.NewLayout(cfg.StorageDir)
	if err != nil {
		return err
	}
	reg := backend.NewRegistry(backend.Options{
		DiffusionURL: cfg.SDAPIURL,
		Upscaler:     cfg.SDUpscaler,
		FFmpegBin:    cfg.FFmpegBin,
		PingTimeout:  cfg.PingTimeout,
	}, layout, log)
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Dispatcher: rabbitmq by default; memory runs an in-process worker pool
	// so a single binary is enough in development.
	var queue dispatch.Dispatcher
	var svc *generation.Service
	repo := generation.NewRepo(gdb)
	classifier := moderation.NewClassifier(moderation.DefaultCorpus())

	switch cfg.Dispatch {
	case "memory":
		mem := dispatch.NewMemory(1024)
		mem.MaxAttempts = cfg.RetryMax
		queue = mem
		if err := reg.Reload(ctx); err != nil {
			log.Warn().Err(err).Msg("backend check")
		}
		svc = generation.NewService(repo, reg, layout, classifier, queue, cfg.JobTimeout, log)
		pool := worker.New(mem, svc, &worker.LocalLocker{}, svc, worker.Options{
			Concurrency:     cfg.WorkerConcurrency,
			RequeueInterval: cfg.RequeueInterval,
			RequeueAfter:    cfg.RequeueAfter,
		}, log)
		g.Go(func() error { return pool.Run(gctx) })
	default:
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return err
		}
		queue = pub
		svc = generation.NewService(repo, reg, layout, classifier, queue, cfg.JobTimeout, log)
	}
	defer queue.Close()

	h := handlers.NewHandler(svc, generation.NewReviewQueue(repo, log), log)
	h.Health = func() error { return sqlDB.PingContext(ctx) }

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, httpapi.RouterOptions{JWTSecret: cfg.JWTSecret, Sentry: sentryOn}, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("dispatch", cfg.Dispatch).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
