// Package worker pulls job ids from a dispatch.Source and runs them.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/dispatch"
	"github.com/suPer8Hu/genstudio/internal/generation"
	"github.com/suPer8Hu/genstudio/internal/observability"
	"golang.org/x/sync/errgroup"
)

const slowJob = 2 * time.Second

type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Locker guards a job id across worker processes.
type Locker interface {
	Acquire(ctx context.Context, jobID string) (release func(), ok bool, err error)
}

// Requeuer repairs jobs whose delivery or terminal write went missing.
type Requeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	RecoverStale(ctx context.Context, limit int) (int, error)
}

// LocalLocker guards job ids within one process. It is enough when a single
// worker process consumes the queue. The zero value is ready to use.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *LocalLocker) Acquire(ctx context.Context, jobID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]struct{})
	}
	if _, busy := l.held[jobID]; busy {
		return func() {}, false, nil
	}
	l.held[jobID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, jobID)
			l.mu.Unlock()
		})
	}, true, nil
}

type Options struct {
	Concurrency     int
	RequeueInterval time.Duration
	RequeueAfter    time.Duration
	RequeueBatch    int
}

type Pool struct {
	src     dispatch.Source
	exec    Executor
	lock    Locker
	requeue Requeuer
	opts    Options
	log     zerolog.Logger
}

// New builds a pool. requeue may be nil to disable the stale-job sweep.
func New(src dispatch.Source, exec Executor, lock Locker, requeue Requeuer, opts Options, log zerolog.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.RequeueBatch <= 0 {
		opts.RequeueBatch = 100
	}
	if lock == nil {
		lock = &LocalLocker{}
	}
	return &Pool{src: src, exec: exec, lock: lock, requeue: requeue, opts: opts, log: log}
}

// Run consumes until ctx is done, then waits for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) error {
	msgs, err := p.src.Deliveries(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.consume(gctx, msgs)
		return nil
	})
	if p.requeue != nil && p.opts.RequeueInterval > 0 {
		g.Go(func() error {
			p.sweep(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, msgs <-chan dispatch.Delivery) {
	p.log.Info().Int("concurrency", p.opts.Concurrency).Msg("worker started")

	jobs := make(chan dispatch.Delivery, p.opts.Concurrency*2)
	// in-flight jobs finish even after shutdown starts
	runCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(p.opts.Concurrency)
	for i := 0; i < p.opts.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				p.handle(runCtx, workerID, d)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
		p.log.Info().Msg("worker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("worker shutting down")
			return
		case d, ok := <-msgs:
			if !ok {
				p.log.Warn().Msg("delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, d dispatch.Delivery) {
	jobID := d.JobID()
	log := p.log.With().Int("worker", workerID).Str("job_id", jobID).Int("attempt", d.Attempt()).Logger()
	start := time.Now()

	release, ok, err := p.lock.Acquire(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Msg("lock unavailable, retrying later")
		if rerr := d.Retry(ctx); rerr != nil {
			log.Error().Err(rerr).Msg("retry failed")
		}
		return
	}
	if !ok {
		log.Info().Msg("job locked by another worker, skipping")
		_ = d.Ack()
		return
	}

	lockCost := time.Since(start)
	t0 := time.Now()
	err = p.exec.Execute(ctx, jobID)
	execCost := time.Since(t0)
	// released before the retry is published so the redelivery can claim it
	release()

	switch {
	case err == nil:
		if aerr := d.Ack(); aerr != nil {
			log.Error().Err(aerr).Msg("ack failed")
		}
	case generation.IsStoreError(err):
		log.Error().Err(err).Msg("store error, redelivering")
		observability.Capture(err, jobID)
		if rerr := d.Retry(ctx); rerr != nil {
			log.Error().Err(rerr).Msg("retry failed")
		}
	default:
		log.Error().Err(err).Msg("job rejected")
		observability.Capture(err, jobID)
		_ = d.Reject()
	}

	total := time.Since(start)
	ev := log.Debug()
	if total > slowJob || err != nil {
		ev = log.Info()
	}
	ev.Dur("lock", lockCost).Dur("exec", execCost).Dur("total", total).AnErr("err", err).Msg("job_timing")
}

func (p *Pool) sweep(ctx context.Context) {
	t := time.NewTicker(p.opts.RequeueInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.requeue.RequeueStale(ctx, p.opts.RequeueAfter, p.opts.RequeueBatch); err != nil {
				p.log.Error().Err(err).Msg("requeue sweep failed")
			}
			if _, err := p.requeue.RecoverStale(ctx, p.opts.RequeueBatch); err != nil {
				p.log.Error().Err(err).Msg("recovery sweep failed")
			}
		}
	}
}
