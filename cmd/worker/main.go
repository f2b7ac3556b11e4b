package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/backend"
	"github.com/suPer8Hu/genstudio/internal/config"
	"github.com/suPer8Hu/genstudio/internal/db"
	"github.com/suPer8Hu/genstudio/internal/generation"
	"github.com/suPer8Hu/genstudio/internal/logger"
	"github.com/suPer8Hu/genstudio/internal/moderation"
	"github.com/suPer8Hu/genstudio/internal/observability"
	"github.com/suPer8Hu/genstudio/internal/storage"
	"github.com/suPer8Hu/genstudio/internal/store/rabbitmq"
	"github.com/suPer8Hu/genstudio/internal/store/redisstore"
	"github.com/suPer8Hu/genstudio/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.AppEnv, "worker")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	_, flush := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv, log)
	defer flush()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	layout, err := storage.NewLayout(cfg.StorageDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := backend.NewRegistry(backend.Options{
		DiffusionURL: cfg.SDAPIURL,
		Upscaler:     cfg.SDUpscaler,
		FFmpegBin:    cfg.FFmpegBin,
		PingTimeout:  cfg.PingTimeout,
	}, layout, log)
	if err := reg.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("backend check")
	}
	defer reg.Close()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		return err
	}
	defer pub.Close()

	//  strict concurrency control
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, pub, rabbitmq.ConsumerOptions{
		Prefetch:    cfg.WorkerConcurrency,
		MaxAttempts: cfg.RetryMax,
		RetryDelay:  cfg.RetryDelay,
	}, log)
	if err != nil {
		return err
	}
	defer consumer.Close()

	var lock worker.Locker = &worker.LocalLocker{}
	if cfg.RedisAddr != "" {
		rds := redisstore.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.JobTimeout+cfg.RetryDelay)
		if err := rds.Ping(ctx); err != nil {
			return err
		}
		defer rds.Close()
		lock = rds
	}

	repo := generation.NewRepo(gdb)
	svc := generation.NewService(repo, reg, layout, moderation.NewClassifier(moderation.DefaultCorpus()), pub, cfg.JobTimeout, log)

	log.Info().
		Str("queue", cfg.RabbitQueue).
		Int("concurrency", cfg.WorkerConcurrency).
		Bool("redis_lock", cfg.RedisAddr != "").
		Msg("worker started")

	pool := worker.New(consumer, svc, lock, svc, worker.Options{
		Concurrency:     cfg.WorkerConcurrency,
		RequeueInterval: cfg.RequeueInterval,
		RequeueAfter:    cfg.RequeueAfter,
	}, log)
	err = pool.Run(ctx)
	log.Info().Msg("worker shutting down")
	return err
}
